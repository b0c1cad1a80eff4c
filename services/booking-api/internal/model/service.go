package model

// Service is catalog reference data. The booking core only reads it.
type Service struct {
	ID          string
	Name        string
	DurationMin int
	PriceCents  int64
	Currency    string
}
