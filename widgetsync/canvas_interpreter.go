package widgetsync

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
	"unicode"

	"github.com/golang/glog"
)

// Surface2D is the drawing side of a canvas surface: a standard 2D
// canvas-style API. The engine never renders anything itself; it executes
// decoded commands against whatever context is injected.
type Surface2D interface {
	BeginPath()
	ClosePath()
	MoveTo(x, y float64)
	LineTo(x, y float64)
	Rect(x, y, w, h float64)
	Arc(x, y, radius, startAngle, endAngle float64, anticlockwise bool)
	Ellipse(x, y, radiusX, radiusY, rotation, startAngle, endAngle float64, anticlockwise bool)
	ArcTo(x1, y1, x2, y2, radius float64)
	QuadraticCurveTo(cpx, cpy, x, y float64)
	BezierCurveTo(cp1x, cp1y, cp2x, cp2y, x, y float64)
	Fill()
	Stroke()
	Clip()
	FillRect(x, y, w, h float64)
	StrokeRect(x, y, w, h float64)
	ClearRect(x, y, w, h float64)
	FillText(text string, x, y float64)
	StrokeText(text string, x, y float64)
	SetLineDash(segments []float64)
	Save()
	Restore()
	Translate(x, y float64)
	Rotate(angle float64)
	Scale(x, y float64)
	Transform(a, b, c, d, e, f float64)
	SetTransform(a, b, c, d, e, f float64)
	ResetTransform()
	SetAttribute(attr ContextAttribute, value any)
	Clear()
}

type SurfaceSettings struct {
	// initial capacity of the pending message queue. The queue grows without
	// bound so a slow surface (a long `sleep`, say) never blocks the store's
	// synchronous notification path or any other surface.
	QueueSize int
}

func DefaultSurfaceSettings() *SurfaceSettings {
	return &SurfaceSettings{
		QueueSize: 32,
	}
}

type surfaceMessage struct {
	content any
	buffers [][]byte
}

// Surface executes the drawing command sub-protocol for one drawing surface
// model. It subscribes to custom messages addressed to the surface's own id
// and processes them on a single worker, so commands for this surface run in
// strict arrival order even though decoding and the explicit `sleep` command
// take time. No ordering holds across surfaces.
//
// A decode or execution failure is contained to its message: the remaining
// commands of that message are skipped with a warning and later messages
// still process.
type Surface struct {
	ctx    context.Context
	cancel context.CancelFunc

	surfaceId string
	draw      Surface2D

	settings *SurfaceSettings

	stateLock sync.Mutex
	notify    *sync.Cond
	// pending messages, oldest first
	pending []*surfaceMessage

	unsub func()
}

func NewSurfaceWithDefaults(ctx context.Context, store *Store, surfaceId string, draw Surface2D) *Surface {
	return NewSurface(ctx, store, surfaceId, draw, DefaultSurfaceSettings())
}

func NewSurface(ctx context.Context, store *Store, surfaceId string, draw Surface2D, settings *SurfaceSettings) *Surface {
	cancelCtx, cancel := context.WithCancel(ctx)
	surface := &Surface{
		ctx:       cancelCtx,
		cancel:    cancel,
		surfaceId: surfaceId,
		draw:      draw,
		settings:  settings,
		pending:   make([]*surfaceMessage, 0, settings.QueueSize),
	}
	surface.notify = sync.NewCond(&surface.stateLock)
	go surface.run()
	surface.unsub = store.AddCustomMessageCallback(surfaceId, surface.enqueue)
	return surface
}

// Close stops future notifications. A message already queued is not aborted.
func (self *Surface) Close() {
	self.unsub()
	self.cancel()
	self.notify.Broadcast()
}

// enqueue appends and returns immediately. The emitting caller is never
// blocked on this surface's processing.
func (self *Surface) enqueue(content any, buffers [][]byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}
	self.pending = append(self.pending, &surfaceMessage{content: content, buffers: buffers})
	self.notify.Signal()
}

func (self *Surface) run() {
	for {
		var message *surfaceMessage
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			for len(self.pending) == 0 && self.ctx.Err() == nil {
				self.notify.Wait()
			}
			if 0 < len(self.pending) {
				message = self.pending[0]
				self.pending = self.pending[1:]
			}
		}()
		if message == nil {
			return
		}
		self.process(message)
	}
}

func (self *Surface) process(message *surfaceMessage) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[cv]%s command panic = %v\n", self.surfaceId, r)
		}
	}()

	calls, err := DecodeCanvasCommands(message.buffers)
	if err != nil {
		glog.Infof("[cv]%s decode error = %s\n", self.surfaceId, err)
		return
	}

	// a batched message may carry segments addressed to other surfaces.
	// switchCanvas acts as an addressing gate: commands after a switch to
	// another surface are skipped until a switch back.
	active := true
	for _, call := range calls {
		if call.command == CommandSwitchCanvas {
			targetId, ok := ParseModelRef(call.arg(0).Value())
			active = ok && targetId == self.surfaceId
			continue
		}
		if !active {
			continue
		}
		if err := self.execute(call); err != nil {
			glog.Infof("[cv]%s %d error = %s, dropping rest of message\n", self.surfaceId, call.command, err)
			return
		}
	}
}

func (self *Surface) execute(call *canvasCall) error {
	draw := self.draw
	switch call.command {
	case CommandFillRect, CommandFillRects:
		forEach(call, func(i int) {
			draw.FillRect(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), call.arg(3).Float(i))
		})
	case CommandStrokeRect, CommandStrokeRects:
		forEach(call, func(i int) {
			draw.StrokeRect(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), call.arg(3).Float(i))
		})
	case CommandClearRect:
		draw.ClearRect(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0), call.arg(3).Float(0))
	case CommandFillArc, CommandFillArcs:
		forEach(call, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i),
				call.arg(3).Float(i), call.arg(4).Float(i), call.arg(5).Bool(i))
			draw.Fill()
		})
	case CommandStrokeArc, CommandStrokeArcs:
		forEach(call, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i),
				call.arg(3).Float(i), call.arg(4).Float(i), call.arg(5).Bool(i))
			draw.Stroke()
		})
	case CommandFillCircle, CommandFillCircles:
		forEach(call, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), 0, 2*math.Pi, false)
			draw.Fill()
		})
	case CommandStrokeCircle, CommandStrokeCircles:
		forEach(call, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), 0, 2*math.Pi, false)
			draw.Stroke()
		})
	case CommandStrokeLine:
		draw.BeginPath()
		draw.MoveTo(call.arg(0).Float(0), call.arg(1).Float(0))
		draw.LineTo(call.arg(2).Float(0), call.arg(3).Float(0))
		draw.Stroke()
	case CommandBeginPath:
		draw.BeginPath()
	case CommandClosePath:
		draw.ClosePath()
	case CommandStroke:
		draw.Stroke()
	case CommandFill:
		draw.Fill()
	case CommandMoveTo:
		draw.MoveTo(call.arg(0).Float(0), call.arg(1).Float(0))
	case CommandLineTo:
		draw.LineTo(call.arg(0).Float(0), call.arg(1).Float(0))
	case CommandRect:
		draw.Rect(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0), call.arg(3).Float(0))
	case CommandArc:
		draw.Arc(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0),
			call.arg(3).Float(0), call.arg(4).Float(0), call.arg(5).Bool(0))
	case CommandEllipse:
		draw.Ellipse(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0), call.arg(3).Float(0),
			call.arg(4).Float(0), call.arg(5).Float(0), call.arg(6).Float(0), call.arg(7).Bool(0))
	case CommandArcTo:
		draw.ArcTo(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0),
			call.arg(3).Float(0), call.arg(4).Float(0))
	case CommandQuadraticCurveTo:
		draw.QuadraticCurveTo(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0), call.arg(3).Float(0))
	case CommandBezierCurveTo:
		draw.BezierCurveTo(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0),
			call.arg(3).Float(0), call.arg(4).Float(0), call.arg(5).Float(0))
	case CommandFillText:
		draw.FillText(call.arg(0).String(), call.arg(1).Float(0), call.arg(2).Float(0))
	case CommandStrokeText:
		draw.StrokeText(call.arg(0).String(), call.arg(1).Float(0), call.arg(2).Float(0))
	case CommandSetLineDash:
		segments := call.arg(0)
		lengths := make([]float64, segments.Len())
		for i := range lengths {
			lengths[i] = segments.Float(i)
		}
		draw.SetLineDash(lengths)
	case CommandDrawImage, CommandPutImageData:
		// image sources live in other widget models, outside this engine
		glog.V(1).Infof("[cv]%s image command %d skipped\n", self.surfaceId, call.command)
	case CommandClip:
		draw.Clip()
	case CommandSave:
		draw.Save()
	case CommandRestore:
		draw.Restore()
	case CommandTranslate:
		draw.Translate(call.arg(0).Float(0), call.arg(1).Float(0))
	case CommandRotate:
		draw.Rotate(call.arg(0).Float(0))
	case CommandScale:
		draw.Scale(call.arg(0).Float(0), call.arg(1).Float(0))
	case CommandTransform:
		draw.Transform(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0),
			call.arg(3).Float(0), call.arg(4).Float(0), call.arg(5).Float(0))
	case CommandSetTransform:
		draw.SetTransform(call.arg(0).Float(0), call.arg(1).Float(0), call.arg(2).Float(0),
			call.arg(3).Float(0), call.arg(4).Float(0), call.arg(5).Float(0))
	case CommandResetTransform:
		draw.ResetTransform()
	case CommandSet:
		attr := ContextAttribute(call.arg(0).Int(0))
		if _, ok := attr.Name(); !ok {
			return fmt.Errorf("unknown context attribute %d", attr)
		}
		draw.SetAttribute(attr, call.arg(1).Value())
	case CommandClear:
		draw.Clear()
	case CommandSleep:
		// suspends this surface's own chain only
		delay := time.Duration(call.arg(0).Float(0)) * time.Millisecond
		select {
		case <-self.ctx.Done():
		case <-time.After(delay):
		}
	case CommandFillPolygon:
		self.tracePolygon(call.arg(0), 0, call.arg(0).Len()/2)
		draw.Fill()
	case CommandStrokePolygon:
		self.tracePolygon(call.arg(0), 0, call.arg(0).Len()/2)
		draw.Stroke()
	case CommandStrokeLines:
		self.tracePolyline(call.arg(0), 0, call.arg(0).Len()/2)
		draw.Stroke()
	case CommandFillPolygons:
		self.eachPolygon(call.arg(0), call.arg(1), func() { draw.Fill() })
	case CommandStrokePolygons:
		self.eachPolygon(call.arg(0), call.arg(1), func() { draw.Stroke() })
	case CommandStrokeLineSegments:
		self.eachPolyline(call.arg(0), call.arg(1), func() { draw.Stroke() })
	case CommandFillStyledRects:
		self.styled(call, 4, AttrFillStyle, func(i int) {
			draw.FillRect(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), call.arg(3).Float(i))
		})
	case CommandStrokeStyledRects:
		self.styled(call, 4, AttrStrokeStyle, func(i int) {
			draw.StrokeRect(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), call.arg(3).Float(i))
		})
	case CommandFillStyledCircles:
		self.styled(call, 3, AttrFillStyle, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), 0, 2*math.Pi, false)
			draw.Fill()
		})
	case CommandStrokeStyledCircles:
		self.styled(call, 3, AttrStrokeStyle, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i), 0, 2*math.Pi, false)
			draw.Stroke()
		})
	case CommandFillStyledArcs:
		self.styled(call, 6, AttrFillStyle, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i),
				call.arg(3).Float(i), call.arg(4).Float(i), call.arg(5).Bool(i))
			draw.Fill()
		})
	case CommandStrokeStyledArcs:
		self.styled(call, 6, AttrStrokeStyle, func(i int) {
			draw.BeginPath()
			draw.Arc(call.arg(0).Float(i), call.arg(1).Float(i), call.arg(2).Float(i),
				call.arg(3).Float(i), call.arg(4).Float(i), call.arg(5).Bool(i))
			draw.Stroke()
		})
	case CommandFillStyledPolygons:
		self.styledGroups(call, func() { draw.Fill() })
	case CommandStrokeStyledPolygons:
		self.styledGroups(call, func() { draw.Stroke() })
	case CommandStrokeStyledLineSegments:
		self.styledGroups(call, func() { draw.Stroke() })
	default:
		return self.dynamicDispatch(call)
	}
	return nil
}

func forEach(call *canvasCall, op func(i int)) {
	n := call.batchLen()
	for i := 0; i < n; i += 1 {
		op(i)
	}
}

// tracePolygon begins a closed path through points[start:start+count] pairs.
func (self *Surface) tracePolygon(points *argValue, start int, count int) {
	self.tracePolyline(points, start, count)
	self.draw.ClosePath()
}

func (self *Surface) tracePolyline(points *argValue, start int, count int) {
	self.draw.BeginPath()
	for i := 0; i < count; i += 1 {
		x := points.Float(2 * (start + i))
		y := points.Float(2*(start+i) + 1)
		if i == 0 {
			self.draw.MoveTo(x, y)
		} else {
			self.draw.LineTo(x, y)
		}
	}
}

// eachPolygon traces one closed path per group. `sizes` holds the point
// count of each group; points are consumed consecutively.
func (self *Surface) eachPolygon(points *argValue, sizes *argValue, op func()) {
	start := 0
	for g := 0; g < sizes.Len(); g += 1 {
		count := sizes.Int(g)
		self.tracePolygon(points, start, count)
		op()
		start += count
	}
}

func (self *Surface) eachPolyline(points *argValue, sizes *argValue, op func()) {
	start := 0
	for g := 0; g < sizes.Len(); g += 1 {
		count := sizes.Int(g)
		self.tracePolyline(points, start, count)
		op()
		start += count
	}
}

// styled runs a batched op with a per-element color. The colors argument
// follows the shape args: a buffer of rgb byte triples, then a per-element
// alpha.
func (self *Surface) styled(call *canvasCall, colorArg int, attr ContextAttribute, op func(i int)) {
	colors := call.arg(colorArg)
	alpha := call.arg(colorArg + 1)
	n := 1
	for i := 0; i < colorArg; i += 1 {
		if ln := call.arg(i).Len(); n < ln {
			n = ln
		}
	}
	for i := 0; i < n; i += 1 {
		self.draw.SetAttribute(attr, cssColor(colors, alpha, i))
		op(i)
	}
}

// styledGroups runs a per-group color variant: (points, sizes, colors, alpha).
func (self *Surface) styledGroups(call *canvasCall, op func()) {
	points := call.arg(0)
	sizes := call.arg(1)
	colors := call.arg(2)
	alpha := call.arg(3)
	start := 0
	for g := 0; g < sizes.Len(); g += 1 {
		count := sizes.Int(g)
		self.draw.SetAttribute(AttrFillStyle, cssColor(colors, alpha, g))
		self.draw.SetAttribute(AttrStrokeStyle, cssColor(colors, alpha, g))
		self.tracePolygon(points, start, count)
		op()
		start += count
	}
}

func cssColor(colors *argValue, alpha *argValue, i int) string {
	// a command with no alpha argument is fully opaque, not invisible
	a := 1.0
	if alpha.buffer != nil {
		if 0 < alpha.buffer.Len() {
			a = alpha.buffer.Float(min(i, alpha.buffer.Len()-1))
		}
	} else if v, ok := alpha.scalar.(float64); ok {
		a = v
	}
	return fmt.Sprintf("rgba(%d, %d, %d, %g)",
		int(colors.Float(3*i)), int(colors.Float(3*i+1)), int(colors.Float(3*i+2)), a)
}

// dynamicDispatch is the fallback for a command index past the fixed switch:
// a best-effort reflective call by operation name on the concrete drawing
// context, with float arguments. A truly unrecognized name is silently
// skipped.
func (self *Surface) dynamicDispatch(call *canvasCall) error {
	name, ok := call.command.Name()
	if !ok {
		glog.V(1).Infof("[cv]%s unknown command index %d skipped\n", self.surfaceId, call.command)
		return nil
	}
	method := reflect.ValueOf(self.draw).MethodByName(exportedName(name))
	if !method.IsValid() {
		glog.V(1).Infof("[cv]%s unrecognized command %q skipped\n", self.surfaceId, name)
		return nil
	}
	methodType := method.Type()
	if methodType.NumIn() != len(call.rawArgs) {
		glog.V(1).Infof("[cv]%s %q arity mismatch, skipped\n", self.surfaceId, name)
		return nil
	}
	in := make([]reflect.Value, 0, len(call.args))
	for i, arg := range call.args {
		switch methodType.In(i).Kind() {
		case reflect.Float64:
			in = append(in, reflect.ValueOf(arg.Float(0)))
		case reflect.Int:
			in = append(in, reflect.ValueOf(arg.Int(0)))
		case reflect.Bool:
			in = append(in, reflect.ValueOf(arg.Bool(0)))
		case reflect.String:
			in = append(in, reflect.ValueOf(arg.String()))
		default:
			glog.V(1).Infof("[cv]%s %q unsupported parameter, skipped\n", self.surfaceId, name)
			return nil
		}
	}
	method.Call(in)
	return nil
}

func exportedName(name string) string {
	if name == "" {
		return name
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
