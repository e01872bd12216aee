package report

import (
	"image/color"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/tudoalign/icp"
)

// CloudColor is the palette entry for one labelled cloud.
type CloudColor struct {
	Point  color.NRGBA
	Normal color.NRGBA
}

// DefaultColors maps each cloud label to a distinct colour.
func DefaultColors() map[string]CloudColor {
	return map[string]CloudColor{
		icp.LabelSource: { // Blue
			Point:  color.NRGBA{65, 105, 225, 200},
			Normal: color.NRGBA{0, 0, 139, 255},
		},
		icp.LabelTarget: { // Red
			Point:  color.NRGBA{220, 20, 60, 200},
			Normal: color.NRGBA{139, 0, 0, 255},
		},
		icp.LabelPredicted: { // Green
			Point:  color.NRGBA{46, 139, 87, 220},
			Normal: color.NRGBA{0, 100, 0, 255},
		},
	}
}

// colorFor falls back to grey for labels missing from colors.
func colorFor(colors map[string]CloudColor, label string) CloudColor {
	if c, ok := colors[label]; ok {
		return c
	}
	return CloudColor{Point: color.NRGBA{128, 128, 128, 200}, Normal: color.NRGBA{64, 64, 64, 255}}
}

// Projection is an orthographic view of 3D clouds: the scene is turned by
// Azimuth degrees about z, then tilted by Elevation degrees about x, and the
// resulting x/y are kept.
type Projection struct {
	Azimuth   float64
	Elevation float64
}

// DefaultProjection looks at the scene from above one corner.
func DefaultProjection() Projection {
	return Projection{Azimuth: 35, Elevation: 25}
}

// Project maps p onto the view plane.
func (pr Projection) Project(p r3.Vec) orb.Point {
	az := pr.Azimuth * math.Pi / 180
	el := pr.Elevation * math.Pi / 180
	x := p.X*math.Cos(az) - p.Y*math.Sin(az)
	y := p.X*math.Sin(az) + p.Y*math.Cos(az)
	// tilt about the view x axis; y becomes depth-mixed height
	v := y*math.Sin(el) + p.Z*math.Cos(el)
	return orb.Point{x, v}
}

// ProjectCloud projects every point of pc.
func (pr Projection) ProjectCloud(pc *icp.PointCloud) orb.MultiPoint {
	if pc == nil {
		return nil
	}
	mp := make(orb.MultiPoint, len(pc.Points))
	for i, p := range pc.Points {
		mp[i] = pr.Project(p)
	}
	return mp
}

// Bounds returns the projected bounding box of all clouds, and false when
// they hold no points.
func (pr Projection) Bounds(clouds []icp.LabeledCloud) (orb.Bound, bool) {
	var bound orb.Bound
	found := false
	for _, lc := range clouds {
		mp := pr.ProjectCloud(lc.Cloud)
		if len(mp) == 0 {
			continue
		}
		if !found {
			bound = mp.Bound()
			found = true
			continue
		}
		bound = bound.Union(mp.Bound())
	}
	return bound, found
}

// GeoJSON exports the projected clouds as one MultiPoint feature per label.
func (pr Projection) GeoJSON(clouds []icp.LabeledCloud) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, lc := range clouds {
		f := geojson.NewFeature(pr.ProjectCloud(lc.Cloud))
		f.Properties["label"] = lc.Label
		f.Properties["points"] = lc.Cloud.Len()
		fc.Append(f)
	}
	return fc
}
