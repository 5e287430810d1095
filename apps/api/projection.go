package main

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	wgs84SemiMajor    = 6378137.0
	wgs84Flattening   = 1 / 298.257223563
	utmScaleFactor    = 0.9996
	utmFalseEasting   = 500000.0
	utmFalseNorthingS = 10000000.0
	defaultUTMZone    = 19
)

// utmProjection returns the WGS84 -> UTM forward projection for zone (EPSG:326zz
// north, 327zz south). Input points are lon/lat degrees, output metres.
func utmProjection(zone int, north bool) (orb.Projection, error) {
	if zone < 1 || zone > 60 {
		return nil, fmt.Errorf("utm zone must be between 1 and 60, got %d", zone)
	}

	e2 := wgs84Flattening * (2 - wgs84Flattening)
	e4 := e2 * e2
	e6 := e4 * e2
	ep2 := e2 / (1 - e2)
	lon0 := float64((zone-1)*6-180+3) * math.Pi / 180

	m1 := 1 - e2/4 - 3*e4/64 - 5*e6/256
	m2 := 3*e2/8 + 3*e4/32 + 45*e6/1024
	m3 := 15*e4/256 + 45*e6/1024
	m4 := 35 * e6 / 3072

	return func(p orb.Point) orb.Point {
		phi := p.Lat() * math.Pi / 180
		lambda := p.Lon() * math.Pi / 180

		sinPhi, cosPhi := math.Sincos(phi)
		tanPhi := math.Tan(phi)

		n := wgs84SemiMajor / math.Sqrt(1-e2*sinPhi*sinPhi)
		t := tanPhi * tanPhi
		c := ep2 * cosPhi * cosPhi
		a := cosPhi * (lambda - lon0)
		m := wgs84SemiMajor * (m1*phi - m2*math.Sin(2*phi) + m3*math.Sin(4*phi) - m4*math.Sin(6*phi))

		a2 := a * a
		a3 := a2 * a
		a4 := a3 * a
		a5 := a4 * a
		a6 := a5 * a

		x := utmScaleFactor*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*ep2)*a5/120) + utmFalseEasting
		y := utmScaleFactor * (m + n*tanPhi*(a2/2+(5-t+9*c+4*c*c)*a4/24+(61-58*t+t*t+600*c-330*ep2)*a6/720))
		if !north {
			y += utmFalseNorthingS
		}
		return orb.Point{x, y}
	}, nil
}

func projectMultiPolygon(mp orb.MultiPolygon, proj orb.Projection) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		projected := make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, pt := range ring {
				r[k] = proj(pt)
			}
			projected[j] = r
		}
		out[i] = projected
	}
	return out
}
