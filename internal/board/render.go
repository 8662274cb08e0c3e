// Package board draws positions as PNG images for the read API.
package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"math"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var ErrBadFEN = errors.New("board: invalid position")

// Highlight marks the last move, in algebraic squares ("e2", "e4").
type Highlight struct {
	From string
	To   string
}

type Options struct {
	Highlight *Highlight
	// Flip draws the board from black's side.
	Flip bool
}

type Renderer struct {
	squareSize int
	margin     int
	pieces     *pieceSet
}

// NewRenderer returns a renderer with the given square size in pixels. pieceDir
// optionally points at a directory of wK.svg..bP.svg assets.
func NewRenderer(squareSize int, pieceDir string) *Renderer {
	if squareSize < 16 {
		squareSize = 64
	}
	return &Renderer{
		squareSize: squareSize,
		margin:     squareSize / 2,
		pieces:     newPieceSet(pieceDir),
	}
}

// Size is the width and height of rendered images.
func (r *Renderer) Size() int { return r.squareSize*8 + r.margin*2 }

var (
	lightSquare         = color.RGBA{233, 207, 163, 255}
	darkSquare          = color.RGBA{187, 136, 96, 255}
	frameColor          = color.RGBA{28, 31, 46, 255}
	moveHighlightFill   = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	moveHighlightArrow  = color.NRGBA{R: 148, G: 207, B: 255, A: 170}
	coordinateTextColor = color.NRGBA{R: 204, G: 210, B: 236, A: 255}
)

func (r *Renderer) RenderPNG(ctx context.Context, fen string, opts Options) ([]byte, error) {
	brd, err := loadBoard(fen)
	if err != nil {
		return nil, err
	}
	size := r.Size()
	origin := image.Point{X: r.margin, Y: r.margin}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(frameColor), image.Point{}, imagedraw.Src)

	r.drawSquares(img, origin, opts.Flip)
	if opts.Highlight != nil {
		from, ferr := parseSquare(opts.Highlight.From)
		to, terr := parseSquare(opts.Highlight.To)
		if ferr == nil && terr == nil {
			r.overlay(img, from, origin, opts.Flip, moveHighlightFill)
			r.overlay(img, to, origin, opts.Flip, moveHighlightFill)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := r.drawPieces(img, brd, origin, opts.Flip); err != nil {
		return nil, err
	}
	if opts.Highlight != nil {
		from, ferr := parseSquare(opts.Highlight.From)
		to, terr := parseSquare(opts.Highlight.To)
		if ferr == nil && terr == nil {
			r.drawArrow(img, from, to, origin, opts.Flip, moveHighlightArrow)
		}
	}
	r.drawCoordinates(img, origin, opts.Flip)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func loadBoard(fen string) (*nchess.Board, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return nchess.NewGame().Position().Board(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFEN, err)
	}
	return nchess.NewGame(opt).Position().Board(), nil
}

func parseSquare(s string) (nchess.Square, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NoSquare, fmt.Errorf("bad square %q", s)
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), nil
}

// squareRect maps a square to pixels; rank 8 is on top unless flipped.
func (r *Renderer) squareRect(sq nchess.Square, origin image.Point, flip bool) image.Rectangle {
	col, row := int(sq.File()), 7-int(sq.Rank())
	if flip {
		col, row = 7-col, 7-row
	}
	x := origin.X + col*r.squareSize
	y := origin.Y + row*r.squareSize
	return image.Rect(x, y, x+r.squareSize, y+r.squareSize)
}

func (r *Renderer) drawSquares(img *image.RGBA, origin image.Point, flip bool) {
	for f := 0; f < 8; f++ {
		for rk := 0; rk < 8; rk++ {
			sq := nchess.NewSquare(nchess.File(f), nchess.Rank(rk))
			clr := lightSquare
			if (f+rk)%2 == 0 {
				clr = darkSquare
			}
			imagedraw.Draw(img, r.squareRect(sq, origin, flip), image.NewUniform(clr), image.Point{}, imagedraw.Src)
		}
	}
}

func (r *Renderer) drawPieces(img *image.RGBA, brd *nchess.Board, origin image.Point, flip bool) error {
	for sq, piece := range brd.SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		pimg, err := r.pieces.image(piece, r.squareSize)
		if err != nil {
			return err
		}
		imagedraw.Draw(img, r.squareRect(sq, origin, flip), pimg, image.Point{}, imagedraw.Over)
	}
	return nil
}

func (r *Renderer) overlay(img *image.RGBA, sq nchess.Square, origin image.Point, flip bool, clr color.Color) {
	imagedraw.Draw(img, r.squareRect(sq, origin, flip), image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func (r *Renderer) drawArrow(img *image.RGBA, from, to nchess.Square, origin image.Point, flip bool, clr color.Color) {
	if from == to {
		return
	}
	half := float64(r.squareSize) / 2
	a, b := r.squareRect(from, origin, flip), r.squareRect(to, origin, flip)
	sx, sy := float64(a.Min.X)+half, float64(a.Min.Y)+half
	ex, ey := float64(b.Min.X)+half, float64(b.Min.Y)+half

	dx, dy := ex-sx, ey-sy
	length := math.Hypot(dx, dy)
	dirX, dirY := dx/length, dy/length
	perpX, perpY := -dirY, dirX

	sq := float64(r.squareSize)
	baseLen := length - sq*0.45
	if baseLen < sq*0.35 {
		baseLen = length * 0.6
	}
	shaft := sq * 0.09
	head := sq * 0.22
	bx, by := sx+dirX*baseLen, sy+dirY*baseLen

	bounds := img.Bounds()
	scanner := rasterx.NewScannerGV(bounds.Dx(), bounds.Dy(), img, bounds)
	filler := rasterx.NewFiller(bounds.Dx(), bounds.Dy(), scanner)
	filler.SetColor(clr)
	filler.Start(pt(sx-perpX*shaft, sy-perpY*shaft))
	filler.Line(pt(bx-perpX*shaft, by-perpY*shaft))
	filler.Line(pt(bx-perpX*head, by-perpY*head))
	filler.Line(pt(ex, ey))
	filler.Line(pt(bx+perpX*head, by+perpY*head))
	filler.Line(pt(bx+perpX*shaft, by+perpY*shaft))
	filler.Line(pt(sx+perpX*shaft, sy+perpY*shaft))
	filler.Stop(true)
	filler.Draw()
}

func pt(x, y float64) fixed.Point26_6 {
	return fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)}
}

func (r *Renderer) drawCoordinates(img *image.RGBA, origin image.Point, flip bool) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(coordinateTextColor), Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	bottom := origin.Y + 8*r.squareSize

	for i := 0; i < 8; i++ {
		sq := nchess.NewSquare(nchess.File(i), nchess.Rank(i))
		rect := r.squareRect(sq, origin, flip)
		centerX := rect.Min.X + r.squareSize/2
		centerY := rect.Min.Y + r.squareSize/2
		drawCentered(drawer, sq.File().String(), centerX, bottom+(r.margin+ascent)/2)
		drawCentered(drawer, sq.Rank().String(), origin.X/2, centerY+ascent/2)
	}
}

func drawCentered(drawer *font.Drawer, text string, centerX, baseline int) {
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}
