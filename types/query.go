package types

// QueryLevel is the value of Query/Retrieve Level (0008,0052).
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// Valid reports whether l is one of the four standard levels.
func (l QueryLevel) Valid() bool {
	switch l {
	case QueryLevelPatient, QueryLevelStudy, QueryLevelSeries, QueryLevelImage:
		return true
	}
	return false
}
