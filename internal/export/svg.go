// Package export renders stored solutions to SVG.
package export

import (
	"fmt"
	"os"
	"strings"
)

type bounds struct {
	minX, maxX float64
	minY, maxY float64
}

func (b *bounds) include(x, y float64) {
	if x < b.minX {
		b.minX = x
	}
	if x > b.maxX {
		b.maxX = x
	}
	if y < b.minY {
		b.minY = y
	}
	if y > b.maxY {
		b.maxY = y
	}
}

func (b *bounds) pad() {
	rangeX := b.maxX - b.minX
	rangeY := b.maxY - b.minY
	if rangeX == 0 {
		rangeX = 1
	}
	if rangeY == 0 {
		rangeY = 1
	}
	b.minX -= rangeX * 0.05
	b.maxX += rangeX * 0.05
	b.minY -= rangeY * 0.1
	b.maxY += rangeY * 0.1
}

// SolutionSVG plots one solution coordinate: the posterior mean as a
// line over a shaded two-sigma band.
func SolutionSVG(times []float64, means, stds [][]float64, coord, width, height int) string {
	if len(times) < 2 || coord >= len(means[0]) {
		return ""
	}

	b := bounds{minX: times[0], maxX: times[0], minY: means[0][coord], maxY: means[0][coord]}
	for i := range times {
		b.include(times[i], means[i][coord]-2*stds[i][coord])
		b.include(times[i], means[i][coord]+2*stds[i][coord])
	}
	b.pad()

	toX := func(t float64) float64 {
		return (t - b.minX) / (b.maxX - b.minX) * float64(width)
	}
	toY := func(v float64) float64 {
		return float64(height) - (v-b.minY)/(b.maxY-b.minY)*float64(height)
	}

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
`, width, height, width, height))

	// Band polygon: upper edge left to right, lower edge back.
	sb.WriteString(`<path fill="#1f4d33" stroke="none" d="M`)
	for i := range times {
		x := toX(times[i])
		y := toY(means[i][coord] + 2*stds[i][coord])
		if i == 0 {
			sb.WriteString(fmt.Sprintf("%.1f,%.1f", x, y))
		} else {
			sb.WriteString(fmt.Sprintf(" L%.1f,%.1f", x, y))
		}
	}
	for i := len(times) - 1; i >= 0; i-- {
		x := toX(times[i])
		y := toY(means[i][coord] - 2*stds[i][coord])
		sb.WriteString(fmt.Sprintf(" L%.1f,%.1f", x, y))
	}
	sb.WriteString(" Z\"/>\n")

	sb.WriteString(`<path fill="none" stroke="#00ff00" stroke-width="1.5" d="M`)
	for i := range times {
		x := toX(times[i])
		y := toY(means[i][coord])
		if i == 0 {
			sb.WriteString(fmt.Sprintf("%.1f,%.1f", x, y))
		} else {
			sb.WriteString(fmt.Sprintf(" L%.1f,%.1f", x, y))
		}
	}
	sb.WriteString(`"/>
</svg>`)

	return sb.String()
}

// WriteSolutionSVG renders every coordinate stacked vertically into one
// file.
func WriteSolutionSVG(path string, times []float64, means, stds [][]float64, width, height int) error {
	if len(times) < 2 || len(means) == 0 {
		return fmt.Errorf("export: not enough data to plot")
	}
	numVars := len(means[0])

	var sb strings.Builder
	total := height * numVars
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
`, width, total, width, total))
	for coord := 0; coord < numVars; coord++ {
		panel := SolutionSVG(times, means, stds, coord, width, height)
		sb.WriteString(fmt.Sprintf(`<g transform="translate(0,%d)">`, coord*height))
		sb.WriteString("\n")
		sb.WriteString(innerSVG(panel))
		sb.WriteString("</g>\n")
	}
	sb.WriteString("</svg>")

	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// innerSVG strips the XML prolog and the outer svg element so a panel
// can be nested in a group.
func innerSVG(doc string) string {
	start := strings.Index(doc, ">")
	start = start + 1 + strings.Index(doc[start+1:], ">") + 1 // past prolog and <svg>
	end := strings.LastIndex(doc, "</svg>")
	if start < 0 || end < 0 || end < start {
		return doc
	}
	return strings.TrimLeft(doc[start:end], "\n")
}
