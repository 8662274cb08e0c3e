package board

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

const svgFrame = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45" width="45" height="45">` +
	`<g fill="%s" stroke="%s" stroke-width="1.5" stroke-linejoin="round">%s</g></svg>`

// 45x45 실루엣, 색상은 svgFrame에서 주입
var pieceShapes = map[nchess.PieceType]string{
	nchess.Pawn: `<circle cx="22.5" cy="14" r="5.5"/>` +
		`<path d="M16 36 L18 24 Q22.5 20 27 24 L29 36 Z"/>` +
		`<rect x="11" y="36" width="23" height="4" rx="1.5"/>`,
	nchess.Rook: `<path d="M12 36 V33 H14 V17 H12 V10 H16 V13 H20 V10 H25 V13 H29 V10 H33 V17 H31 V33 H33 V36 Z"/>` +
		`<rect x="10" y="36" width="25" height="4" rx="1"/>`,
	nchess.Knight: `<path d="M13 38 H33 C33 28 31 18 24 12 L22 8 L19 12 C15 14 11 20 11 24 C11 27 14 28 16 26 L20 23 C19 28 15 31 13 38 Z"/>`,
	nchess.Bishop: `<ellipse cx="22.5" cy="23" rx="7" ry="9"/>` +
		`<circle cx="22.5" cy="10" r="2.5"/>` +
		`<path d="M18 34 L19.5 30 H25.5 L27 34 Z"/>` +
		`<rect x="12" y="34" width="21" height="4" rx="1.5"/>`,
	nchess.Queen: `<path d="M10 14 L14 31 H31 L35 14 L28 24 L22.5 11 L17 24 Z"/>` +
		`<circle cx="10" cy="12" r="2.5"/><circle cx="22.5" cy="9" r="2.5"/><circle cx="35" cy="12" r="2.5"/>` +
		`<rect x="12" y="32" width="21" height="6" rx="2"/>`,
	nchess.King: `<path d="M21 5 H24 V9 H28 V12 H24 V16 H21 V12 H17 V9 H21 Z"/>` +
		`<path d="M12 32 C8 24 12 17 22.5 20 C33 17 37 24 33 32 Z"/>` +
		`<rect x="12" y="32" width="21" height="6" rx="2"/>`,
}

type pieceKey struct {
	piece nchess.Piece
	size  int
}

// pieceSet renders and caches piece bitmaps. An empty dir uses the built-in shapes.
type pieceSet struct {
	dir string

	mu    sync.RWMutex
	cache map[pieceKey]image.Image
}

func newPieceSet(dir string) *pieceSet {
	return &pieceSet{dir: dir, cache: make(map[pieceKey]image.Image)}
}

func (p *pieceSet) image(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceKey{piece: piece, size: size}
	p.mu.RLock()
	if img, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return img, nil
	}
	p.mu.RUnlock()

	data, err := p.source(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg %s: %w", pieceName(piece), err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	p.mu.Lock()
	p.cache[key] = img
	p.mu.Unlock()
	return img, nil
}

func (p *pieceSet) source(piece nchess.Piece) ([]byte, error) {
	if p.dir != "" {
		name := filepath.Join(p.dir, pieceName(piece)+".svg")
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read piece asset %s: %w", name, err)
		}
		return sanitizeSVG(data), nil
	}
	shape, ok := pieceShapes[piece.Type()]
	if !ok {
		return nil, fmt.Errorf("no shape for piece %s", piece)
	}
	fill, stroke := "#ffffff", "#1b1b1b"
	if piece.Color() == nchess.Black {
		fill, stroke = "#1b1b1b", "#f2f2f2"
	}
	return []byte(fmt.Sprintf(svgFrame, fill, stroke, shape)), nil
}

// pieceName is the asset base name, e.g. "wK" or "bP".
func pieceName(piece nchess.Piece) string {
	prefix := "w"
	if piece.Color() == nchess.Black {
		prefix = "b"
	}
	suffix := ""
	switch piece.Type() {
	case nchess.King:
		suffix = "K"
	case nchess.Queen:
		suffix = "Q"
	case nchess.Rook:
		suffix = "R"
	case nchess.Bishop:
		suffix = "B"
	case nchess.Knight:
		suffix = "N"
	case nchess.Pawn:
		suffix = "P"
	}
	return prefix + suffix
}

// sanitizeSVG patches style declarations oksvg cannot parse in exported piece sets.
func sanitizeSVG(svg []byte) []byte {
	fixed := bytes.ReplaceAll(svg, []byte("fill:000000"), []byte("fill:#000000"))
	for _, prop := range []string{"fill", "stroke", "stop-color"} {
		fixed = bytes.ReplaceAll(fixed, []byte(prop+": #"), []byte(prop+":#"))
	}
	return fixed
}
