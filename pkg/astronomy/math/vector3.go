package math

import "math"

// Vector3 represents a 3D vector, used here as a unit vector on the celestial sphere
type Vector3 struct {
	X, Y, Z float64
}

// FromRADec returns the unit vector pointing at (ra, dec), both in degrees
func FromRADec(ra, dec float64) Vector3 {
	raRad := ra * math.Pi / 180
	decRad := dec * math.Pi / 180
	cosDec := math.Cos(decRad)
	return Vector3{
		X: cosDec * math.Cos(raRad),
		Y: cosDec * math.Sin(raRad),
		Z: math.Sin(decRad),
	}
}

// Sub returns the difference between two vectors
func (v Vector3) Sub(other Vector3) Vector3 {
	return Vector3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Magnitude returns the length of the vector
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance returns the chord length between two vectors
func (v Vector3) Distance(other Vector3) float64 {
	return v.Sub(other).Magnitude()
}

// ChordFromAngle converts an angular separation in degrees to the chord
// length between unit vectors
func ChordFromAngle(deg float64) float64 {
	return 2 * math.Sin(deg*math.Pi/360)
}

// AngleFromChord converts a chord length between unit vectors to degrees
func AngleFromChord(chord float64) float64 {
	if chord >= 2 {
		return 180
	}
	return 360 / math.Pi * math.Asin(chord/2)
}

// AngularSeparation returns the great-circle distance in degrees.
// Uses the chord form, which stays accurate at small separations.
func AngularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	return AngleFromChord(FromRADec(ra1, dec1).Distance(FromRADec(ra2, dec2)))
}
