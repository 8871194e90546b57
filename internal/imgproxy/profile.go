// Package imgproxy turns source images into optimized JPEGs through an imgproxy service.
package imgproxy

import (
	"fmt"
	"strings"
)

// Profile is the fixed set of processing options applied to every image
type Profile struct {
	Width      int
	Height     int
	ResizeType string
	Extend     bool
	Gravity    string
	Background [3]uint8
	Quality    int
	Format     string
}

// DefaultProfile fits the image into 750x1000 and pads it to that size on a white canvas
func DefaultProfile() Profile {
	return Profile{
		Width:      750,
		Height:     1000,
		ResizeType: "fit",
		Extend:     true,
		Gravity:    "ce",
		Background: [3]uint8{255, 255, 255},
		Quality:    85,
		Format:     "jpg",
	}
}

// Options renders the profile as an imgproxy processing options path
func (p Profile) Options() string {
	parts := []string{fmt.Sprintf("resize:%s:%d:%d", p.ResizeType, p.Width, p.Height)}
	if p.Extend {
		parts = append(parts, "extend:1:"+p.Gravity)
	}
	parts = append(parts,
		fmt.Sprintf("background:%d:%d:%d", p.Background[0], p.Background[1], p.Background[2]),
		fmt.Sprintf("quality:%d", p.Quality),
	)
	return strings.Join(parts, "/")
}
