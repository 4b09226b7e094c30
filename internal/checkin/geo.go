package checkin

import "math"

const earthRadiusMeters = 6371000

// maxPlausibleDistanceMeters is the soft bound for the customer-to-venue
// distance. Exceeding it logs a warning but never blocks the check-in:
// GPS indoors is too unreliable to gate money movement on.
const maxPlausibleDistanceMeters = 1000

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
