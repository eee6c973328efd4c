// Package ggdraw binds the canvas command interpreter to a concrete pure-Go
// 2D drawing context from github.com/gogpu/gg.
//
// The adapter keeps the separate fill and stroke styles of the canvas model
// on top of gg's single current color, and mirrors Save/Restore onto its own
// style stack alongside gg's state stack. Immediate operations (fillRect and
// friends) reset the current path; path construction and fill/stroke keep it.
package ggdraw

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gogpu/gg"
	"github.com/golang/glog"

	"github.com/openkernel/widgetsync/widgetsync"
)

type style struct {
	fill        rgba
	stroke      rgba
	globalAlpha float64
}

type rgba struct {
	r, g, b, a float64
}

// Context implements widgetsync.Surface2D.
type Context struct {
	dc *gg.Context

	width  int
	height int

	current style
	stack   []style
}

func NewContext(width int, height int) *Context {
	dc := gg.NewContext(width, height)
	dc.ClearWithColor(gg.RGBA{R: 1, G: 1, B: 1, A: 1})
	return &Context{
		dc:     dc,
		width:  width,
		height: height,
		current: style{
			fill:        rgba{0, 0, 0, 1},
			stroke:      rgba{0, 0, 0, 1},
			globalAlpha: 1,
		},
	}
}

func (self *Context) EncodePNG(w io.Writer) error {
	return self.dc.EncodePNG(w)
}

func (self *Context) BeginPath() {
	self.dc.ClearPath()
}

func (self *Context) ClosePath() {
	self.dc.ClosePath()
}

func (self *Context) MoveTo(x, y float64) {
	self.dc.MoveTo(x, y)
}

func (self *Context) LineTo(x, y float64) {
	self.dc.LineTo(x, y)
}

func (self *Context) Rect(x, y, w, h float64) {
	self.dc.NewSubPath()
	self.dc.DrawRectangle(x, y, w, h)
}

func (self *Context) Arc(x, y, radius, startAngle, endAngle float64, anticlockwise bool) {
	if anticlockwise {
		startAngle, endAngle = endAngle, startAngle
	}
	self.dc.DrawArc(x, y, radius, startAngle, endAngle)
}

func (self *Context) Ellipse(x, y, radiusX, radiusY, rotation, startAngle, endAngle float64, anticlockwise bool) {
	if anticlockwise {
		startAngle, endAngle = endAngle, startAngle
	}
	if rotation == 0 {
		self.dc.DrawEllipticalArc(x, y, radiusX, radiusY, startAngle, endAngle)
		return
	}
	// points are transformed as they are added, so a temporary rotation
	// about the center bakes the rotation into the path
	self.dc.Push()
	self.dc.RotateAbout(rotation, x, y)
	self.dc.DrawEllipticalArc(x, y, radiusX, radiusY, startAngle, endAngle)
	self.dc.Pop()
}

func (self *Context) ArcTo(x1, y1, x2, y2, radius float64) {
	// no native arcTo; a line through the control point keeps the path
	// connected even though the corner is not rounded
	self.dc.LineTo(x1, y1)
	self.dc.LineTo(x2, y2)
}

func (self *Context) QuadraticCurveTo(cpx, cpy, x, y float64) {
	self.dc.QuadraticTo(cpx, cpy, x, y)
}

func (self *Context) BezierCurveTo(cp1x, cp1y, cp2x, cp2y, x, y float64) {
	self.dc.CubicTo(cp1x, cp1y, cp2x, cp2y, x, y)
}

func (self *Context) Fill() {
	self.setColor(self.current.fill)
	self.dc.FillPreserve()
}

func (self *Context) Stroke() {
	self.setColor(self.current.stroke)
	self.dc.StrokePreserve()
}

func (self *Context) Clip() {
	self.dc.Clip()
}

func (self *Context) FillRect(x, y, w, h float64) {
	self.dc.ClearPath()
	self.dc.DrawRectangle(x, y, w, h)
	self.setColor(self.current.fill)
	self.dc.Fill()
}

func (self *Context) StrokeRect(x, y, w, h float64) {
	self.dc.ClearPath()
	self.dc.DrawRectangle(x, y, w, h)
	self.setColor(self.current.stroke)
	self.dc.Stroke()
}

// ClearRect paints the rectangle with the white background. The full-canvas
// case resets the backing pixmap.
func (self *Context) ClearRect(x, y, w, h float64) {
	if x <= 0 && y <= 0 && float64(self.width) <= w+x && float64(self.height) <= h+y {
		self.dc.ClearWithColor(gg.RGBA{R: 1, G: 1, B: 1, A: 1})
		return
	}
	self.dc.ClearPath()
	self.dc.DrawRectangle(x, y, w, h)
	self.setColor(rgba{1, 1, 1, 1})
	self.dc.Fill()
}

func (self *Context) FillText(text string, x, y float64) {
	self.setColor(self.current.fill)
	self.dc.DrawString(text, x, y)
}

func (self *Context) StrokeText(text string, x, y float64) {
	self.setColor(self.current.stroke)
	self.dc.DrawString(text, x, y)
}

func (self *Context) SetLineDash(segments []float64) {
	if len(segments) == 0 {
		self.dc.ClearDash()
		return
	}
	self.dc.SetDash(segments...)
}

func (self *Context) Save() {
	self.dc.Push()
	self.stack = append(self.stack, self.current)
}

func (self *Context) Restore() {
	self.dc.Pop()
	if n := len(self.stack); 0 < n {
		self.current = self.stack[n-1]
		self.stack = self.stack[:n-1]
	}
}

func (self *Context) Translate(x, y float64) {
	self.dc.Translate(x, y)
}

func (self *Context) Rotate(angle float64) {
	self.dc.Rotate(angle)
}

func (self *Context) Scale(x, y float64) {
	self.dc.Scale(x, y)
}

// canvas transform order (a, b, c, d, e, f):
//
//	x' = a*x + c*y + e
//	y' = b*x + d*y + f
func (self *Context) Transform(a, b, c, d, e, f float64) {
	self.dc.Transform(gg.Matrix{
		A: a, B: c, C: e,
		D: b, E: d, F: f,
	})
}

func (self *Context) SetTransform(a, b, c, d, e, f float64) {
	self.dc.SetTransform(gg.Matrix{
		A: a, B: c, C: e,
		D: b, E: d, F: f,
	})
}

func (self *Context) ResetTransform() {
	self.dc.Identity()
}

func (self *Context) SetAttribute(attr widgetsync.ContextAttribute, value any) {
	switch attr {
	case widgetsync.AttrFillStyle:
		if c, ok := parseColor(value); ok {
			self.current.fill = c
		}
	case widgetsync.AttrStrokeStyle:
		if c, ok := parseColor(value); ok {
			self.current.stroke = c
		}
	case widgetsync.AttrGlobalAlpha:
		if a, ok := value.(float64); ok {
			self.current.globalAlpha = a
		}
	case widgetsync.AttrLineWidth:
		if w, ok := value.(float64); ok {
			self.dc.SetLineWidth(w)
		}
	case widgetsync.AttrLineCap:
		switch value {
		case "butt":
			self.dc.SetLineCap(gg.LineCapButt)
		case "round":
			self.dc.SetLineCap(gg.LineCapRound)
		case "square":
			self.dc.SetLineCap(gg.LineCapSquare)
		}
	case widgetsync.AttrLineJoin:
		switch value {
		case "miter":
			self.dc.SetLineJoin(gg.LineJoinMiter)
		case "round":
			self.dc.SetLineJoin(gg.LineJoinRound)
		case "bevel":
			self.dc.SetLineJoin(gg.LineJoinBevel)
		}
	case widgetsync.AttrMiterLimit:
		if l, ok := value.(float64); ok {
			self.dc.SetMiterLimit(l)
		}
	case widgetsync.AttrLineDashOffset:
		if o, ok := value.(float64); ok {
			self.dc.SetDashOffset(o)
		}
	default:
		name, _ := attr.Name()
		glog.V(1).Infof("[gg]attribute %s not supported\n", name)
	}
}

func (self *Context) Clear() {
	self.dc.ClearWithColor(gg.RGBA{R: 1, G: 1, B: 1, A: 1})
}

func (self *Context) setColor(c rgba) {
	self.dc.SetRGBA(c.r, c.g, c.b, c.a*self.current.globalAlpha)
}

// parseColor reads the css color forms the kernel side emits: #rgb,
// #rrggbb, rgb(...), rgba(...), and a small named set.
func parseColor(value any) (rgba, bool) {
	s, ok := value.(string)
	if !ok {
		return rgba{}, false
	}
	s = strings.TrimSpace(strings.ToLower(s))
	if named, ok := namedColors[s]; ok {
		return named, true
	}
	if strings.HasPrefix(s, "#") {
		return parseHexColor(s)
	}
	if strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba(") {
		return parseRgbColor(s)
	}
	return rgba{}, false
}

var namedColors = map[string]rgba{
	"black":       {0, 0, 0, 1},
	"white":       {1, 1, 1, 1},
	"red":         {1, 0, 0, 1},
	"green":       {0, 0.5, 0, 1},
	"lime":        {0, 1, 0, 1},
	"blue":        {0, 0, 1, 1},
	"yellow":      {1, 1, 0, 1},
	"cyan":        {0, 1, 1, 1},
	"magenta":     {1, 0, 1, 1},
	"gray":        {0.5, 0.5, 0.5, 1},
	"orange":      {1, 0.6470588235294118, 0, 1},
	"purple":      {0.5, 0, 0.5, 1},
	"transparent": {0, 0, 0, 0},
}

func parseHexColor(s string) (rgba, bool) {
	hex := s[1:]
	switch len(hex) {
	case 3:
		hex = fmt.Sprintf("%c%c%c%c%c%c", hex[0], hex[0], hex[1], hex[1], hex[2], hex[2])
	case 6:
	default:
		return rgba{}, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return rgba{}, false
	}
	return rgba{
		r: float64(v>>16&0xff) / 255,
		g: float64(v>>8&0xff) / 255,
		b: float64(v&0xff) / 255,
		a: 1,
	}, true
}

func parseRgbColor(s string) (rgba, bool) {
	open := strings.Index(s, "(")
	close := strings.Index(s, ")")
	if open < 0 || close < open {
		return rgba{}, false
	}
	parts := strings.Split(s[open+1:close], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return rgba{}, false
	}
	c := rgba{a: 1}
	channels := []*float64{&c.r, &c.g, &c.b}
	for i, channel := range channels {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return rgba{}, false
		}
		*channel = v / 255
	}
	if len(parts) == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return rgba{}, false
		}
		c.a = a
	}
	return c, true
}
