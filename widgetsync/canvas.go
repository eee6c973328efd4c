package widgetsync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// The drawing command tables are a fixed external contract shared with the
// kernel-side implementation. Changing an index silently misinterprets every
// draw call after it, so entries are append only.

type CanvasCommand int

const (
	CommandFillRect CanvasCommand = iota
	CommandStrokeRect
	CommandFillRects
	CommandStrokeRects
	CommandClearRect
	CommandFillArc
	CommandFillCircle
	CommandStrokeArc
	CommandStrokeCircle
	CommandFillArcs
	CommandFillCircles
	CommandStrokeArcs
	CommandStrokeCircles
	CommandStrokeLine
	CommandBeginPath
	CommandClosePath
	CommandStroke
	CommandFill
	CommandMoveTo
	CommandLineTo
	CommandRect
	CommandArc
	CommandEllipse
	CommandArcTo
	CommandQuadraticCurveTo
	CommandBezierCurveTo
	CommandFillText
	CommandStrokeText
	CommandSetLineDash
	CommandDrawImage
	CommandPutImageData
	CommandClip
	CommandSave
	CommandRestore
	CommandTranslate
	CommandRotate
	CommandScale
	CommandTransform
	CommandSetTransform
	CommandResetTransform
	CommandSet
	CommandClear
	CommandSleep
	CommandFillPolygon
	CommandStrokePolygon
	CommandStrokeLines
	CommandFillPolygons
	CommandStrokePolygons
	CommandStrokeLineSegments
	CommandFillStyledRects
	CommandStrokeStyledRects
	CommandFillStyledCircles
	CommandStrokeStyledCircles
	CommandFillStyledArcs
	CommandStrokeStyledArcs
	CommandFillStyledPolygons
	CommandStrokeStyledPolygons
	CommandStrokeStyledLineSegments
	CommandSwitchCanvas
)

var canvasCommandNames = []string{
	"fillRect",
	"strokeRect",
	"fillRects",
	"strokeRects",
	"clearRect",
	"fillArc",
	"fillCircle",
	"strokeArc",
	"strokeCircle",
	"fillArcs",
	"fillCircles",
	"strokeArcs",
	"strokeCircles",
	"strokeLine",
	"beginPath",
	"closePath",
	"stroke",
	"fill",
	"moveTo",
	"lineTo",
	"rect",
	"arc",
	"ellipse",
	"arcTo",
	"quadraticCurveTo",
	"bezierCurveTo",
	"fillText",
	"strokeText",
	"setLineDash",
	"drawImage",
	"putImageData",
	"clip",
	"save",
	"restore",
	"translate",
	"rotate",
	"scale",
	"transform",
	"setTransform",
	"resetTransform",
	"set",
	"clear",
	"sleep",
	"fillPolygon",
	"strokePolygon",
	"strokeLines",
	"fillPolygons",
	"strokePolygons",
	"strokeLineSegments",
	"fillStyledRects",
	"strokeStyledRects",
	"fillStyledCircles",
	"strokeStyledCircles",
	"fillStyledArcs",
	"strokeStyledArcs",
	"fillStyledPolygons",
	"strokeStyledPolygons",
	"strokeStyledLineSegments",
	"switchCanvas",
}

// Name maps a command index to its operation name. An out-of-table index has
// no name; callers fall back to dynamic dispatch and then drop the command.
func (self CanvasCommand) Name() (string, bool) {
	if self < 0 || int(self) >= len(canvasCommandNames) {
		return "", false
	}
	return canvasCommandNames[self], true
}

// ContextAttribute indexes the fixed drawing context attribute table used by
// the generic `set` command.
type ContextAttribute int

const (
	AttrFillStyle ContextAttribute = iota
	AttrStrokeStyle
	AttrGlobalAlpha
	AttrFont
	AttrTextAlign
	AttrTextBaseline
	AttrDirection
	AttrGlobalCompositeOperation
	AttrLineWidth
	AttrLineCap
	AttrLineJoin
	AttrMiterLimit
	AttrLineDashOffset
	AttrShadowOffsetX
	AttrShadowOffsetY
	AttrShadowBlur
	AttrShadowColor
	AttrFilter
)

var contextAttributeNames = []string{
	"fillStyle",
	"strokeStyle",
	"globalAlpha",
	"font",
	"textAlign",
	"textBaseline",
	"direction",
	"globalCompositeOperation",
	"lineWidth",
	"lineCap",
	"lineJoin",
	"miterLimit",
	"lineDashOffset",
	"shadowOffsetX",
	"shadowOffsetY",
	"shadowBlur",
	"shadowColor",
	"filter",
}

func (self ContextAttribute) Name() (string, bool) {
	if self < 0 || int(self) >= len(contextAttributeNames) {
		return "", false
	}
	return contextAttributeNames[self], true
}

// typedBuffer is a positional binary argument source: raw little-endian
// elements tagged with a dtype.
type typedBuffer struct {
	dtype string
	raw   []byte
}

func (self *typedBuffer) elementSize() int {
	switch self.dtype {
	case "int8", "uint8":
		return 1
	case "int16", "uint16":
		return 2
	case "int32", "uint32", "float32":
		return 4
	case "float64":
		return 8
	default:
		return 0
	}
}

func (self *typedBuffer) Len() int {
	size := self.elementSize()
	if size == 0 {
		return 0
	}
	return len(self.raw) / size
}

func (self *typedBuffer) Float(i int) float64 {
	size := self.elementSize()
	if size == 0 || len(self.raw) < (i+1)*size {
		return 0
	}
	b := self.raw[i*size:]
	switch self.dtype {
	case "int8":
		return float64(int8(b[0]))
	case "uint8":
		return float64(b[0])
	case "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// argValue lets every drawing routine accept either one constant value or a
// per-element array, so single-shape and batched operations share one code
// path. A scalar reports Len 1 and yields the same value at every index.
type argValue struct {
	scalar any
	buffer *typedBuffer
}

func (self *argValue) Len() int {
	if self.buffer != nil {
		return self.buffer.Len()
	}
	return 1
}

func (self *argValue) Float(i int) float64 {
	if self.buffer != nil {
		return self.buffer.Float(i)
	}
	switch v := self.scalar.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (self *argValue) Int(i int) int {
	return int(self.Float(i))
}

func (self *argValue) Bool(i int) bool {
	return self.Float(i) != 0
}

func (self *argValue) String() string {
	s, _ := self.scalar.(string)
	return s
}

func (self *argValue) Value() any {
	return self.scalar
}

// canvasCall is one decoded command tuple `[commandIndex, args, bufferCount?]`.
type canvasCall struct {
	command CanvasCommand
	args    []*argValue
	// raw arg values, kept for dynamic dispatch of out-of-table commands
	rawArgs []any
}

func (self *canvasCall) arg(i int) *argValue {
	if i < 0 || len(self.args) <= i {
		return &argValue{}
	}
	return self.args[i]
}

// batchLen is the widest per-element argument length, the element count for
// batched variants.
func (self *canvasCall) batchLen() int {
	n := 1
	for _, arg := range self.args {
		if ln := arg.Len(); n < ln {
			n = ln
		}
	}
	return n
}

// DecodeCanvasCommands parses the first message buffer, a JSON-encoded
// command list, against the remaining positional binary buffers. The result
// is a flat list in execution order; nested lists (client-side hold and
// flush groupings) are recursed into.
func DecodeCanvasCommands(buffers [][]byte) ([]*canvasCall, error) {
	if len(buffers) == 0 {
		return nil, fmt.Errorf("no command buffer")
	}
	var root any
	if err := json.Unmarshal(buffers[0], &root); err != nil {
		return nil, fmt.Errorf("bad command buffer: %w", err)
	}
	calls := []*canvasCall{}
	if err := decodeCommandNode(root, buffers[1:], &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func decodeCommandNode(node any, sideBuffers [][]byte, calls *[]*canvasCall) error {
	list, ok := node.([]any)
	if !ok {
		return fmt.Errorf("command node is %T, not a list", node)
	}
	if len(list) == 0 {
		return nil
	}
	if index, ok := list[0].(float64); ok {
		call, err := decodeCall(index, list, sideBuffers)
		if err != nil {
			return err
		}
		*calls = append(*calls, call)
		return nil
	}
	// batch: a nested list of tuples
	for _, child := range list {
		if err := decodeCommandNode(child, sideBuffers, calls); err != nil {
			return err
		}
	}
	return nil
}

func decodeCall(index float64, tuple []any, sideBuffers [][]byte) (*canvasCall, error) {
	call := &canvasCall{
		command: CanvasCommand(int(index)),
	}
	if len(tuple) < 2 {
		return call, nil
	}
	rawArgs, ok := tuple[1].([]any)
	if !ok {
		return nil, fmt.Errorf("command %d args are %T, not a list", call.command, tuple[1])
	}
	call.rawArgs = rawArgs
	for _, raw := range rawArgs {
		arg, err := decodeArg(raw, sideBuffers)
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
	}
	return call, nil
}

// decodeArg reads either a literal scalar or an `{idx, dtype}` reference into
// the positional side buffer list.
func decodeArg(raw any, sideBuffers [][]byte) (*argValue, error) {
	ref, ok := raw.(map[string]any)
	if !ok {
		return &argValue{scalar: raw}, nil
	}
	idx, ok := ref["idx"].(float64)
	if !ok {
		return &argValue{scalar: raw}, nil
	}
	i := int(idx)
	if i < 0 || len(sideBuffers) <= i {
		return nil, fmt.Errorf("buffer reference %d out of range (%d buffers)", i, len(sideBuffers))
	}
	dtype, _ := ref["dtype"].(string)
	if dtype == "" {
		dtype = "float64"
	}
	return &argValue{
		buffer: &typedBuffer{
			dtype: dtype,
			raw:   sideBuffers[i],
		},
	}, nil
}

// FindSwitchTargets scans a decoded command list for `switchCanvas`
// operations and returns the referenced model ids, in order.
func FindSwitchTargets(calls []*canvasCall) []string {
	targets := []string{}
	for _, call := range calls {
		if call.command != CommandSwitchCanvas {
			continue
		}
		if modelId, ok := ParseModelRef(call.arg(0).Value()); ok {
			targets = append(targets, modelId)
		}
	}
	return targets
}
