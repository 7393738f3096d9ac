package machine

import (
	"fmt"
	"image"
	"image/color"
	"log"

	"github.com/faiface/pixel"
	"github.com/faiface/pixel/pixelgl"
	"github.com/faiface/pixel/text"
	"golang.org/x/image/colornames"
	"golang.org/x/image/font/basicfont"
)

// Video is the out-of-scope render surface (SPEC_FULL §4): it owns a
// pixelgl.Window and a debug text panel, driven entirely by messages read
// off the bus (spec §5's "the render surface never touches architectural
// state or the arena directly"). Adapted from the teacher's Display, with
// the game-framebuffer half collapsed into a single debug/status panel
// since this repo has no PPU generating a pixel stream of its own.
type Video struct {
	statusRgba *image.RGBA

	window      *pixelgl.Window
	statusMatrix pixel.Matrix

	atlas       *text.Atlas
	statusText  *text.Text
	historyText *text.Text

	bus    *MessageBus
	logger *log.Logger

	runs int
}

const (
	statusResW float64 = 512
	statusResH float64 = 480
	screenPosX float64 = 600
	screenPosY float64 = 400
)

func NewVideo(bus *MessageBus, logger *log.Logger) *Video {
	rect := image.Rect(0, 0, int(statusResW), int(statusResH))
	statusRgba := image.NewRGBA(rect)

	config := pixelgl.WindowConfig{
		Title:  "sixjit",
		Bounds: pixel.R(0, 0, statusResW, statusResH),
		Position: pixel.V(screenPosX, screenPosY),
		VSync:  true,
	}
	window, err := pixelgl.NewWindow(config)
	if err != nil {
		log.Fatal("unable to create render window: ", err)
	}

	pic := pixel.PictureDataFromImage(statusRgba)
	statusMatrix := pixel.IM.Moved(pic.Bounds().Center())

	atlas := text.NewAtlas(basicfont.Face7x13, text.ASCII)
	statusText := text.New(pixel.V(8, statusResH-20), atlas)
	historyText := text.New(pixel.V(8, statusResH-160), atlas)

	return &Video{
		statusRgba:   statusRgba,
		window:       window,
		statusMatrix: statusMatrix,
		atlas:        atlas,
		statusText:   statusText,
		historyText:  historyText,
		bus:          bus,
		logger:       logger,
	}
}

// Pump drains whatever the driver has posted since the last frame and
// redraws the status panel (spec §5's message-channel boundary: the render
// thread only ever learns of driver events this way, never by reading
// State6502/Memory/CodeArena itself).
func (v *Video) Pump() {
	for {
		select {
		case msg := <-v.bus.Events():
			v.apply(msg)
		default:
			v.draw()
			return
		}
	}
}

func (v *Video) apply(msg Message) {
	switch msg.Code {
	case MessageExited:
		v.runs++
		v.statusText.Clear()
		fmt.Fprintf(v.statusText, "EXIT trap, value=%d (run #%d)", msg.Value, v.runs)
	case MessageVsync:
		v.statusText.Clear()
		fmt.Fprintf(v.statusText, "vsync")
	case MessageRenderDone:
		v.historyText.Clear()
		fmt.Fprintf(v.historyText, "render_done")
	case MessageBlockCompiled:
		v.historyText.Clear()
		fmt.Fprintf(v.historyText, "compiled block @ $%04X", msg.Value)
	case MessageBlockInvalidated:
		v.historyText.Clear()
		fmt.Fprintf(v.historyText, "invalidated block @ $%04X", msg.Value)
	}
}

func (v *Video) draw() {
	if v.window.Closed() {
		return
	}
	v.window.Clear(colornames.Black)
	sprite := pixel.NewSprite(pixel.PictureDataFromImage(v.statusRgba), v.statusRgba.Bounds())
	_ = sprite
	v.statusText.Draw(v.window, v.statusMatrix)
	v.historyText.Draw(v.window, pixel.IM)
	v.window.Update()
}

// Closed reports whether the user has closed the render window, the JIT
// driver's cue to stop calling Pump and tear down (spec §6 run_async loop).
func (v *Video) Closed() bool { return v.window.Closed() }

func (v *Video) drawPixel(x, y int, c color.RGBA) {
	v.statusRgba.SetRGBA(x, y, c)
}
