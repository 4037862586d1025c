package demo

import (
	"math/rand"
	"time"
)

type Airport struct {
	Code  string
	Name  string
	City  string
	State string
}

type Carrier struct {
	Code string
	Name string
}

type Flight struct {
	ID          int64
	Carrier     string
	Origin      string
	Destination string
	DepartedAt  time.Time
	DepDelay    int
	ArrDelay    int
	Distance    int
	Cancelled   bool
}

var Airports = []Airport{
	{Code: "ATL", Name: "Hartsfield-Jackson Atlanta Intl", City: "Atlanta", State: "GA"},
	{Code: "BOS", Name: "General Edward Lawrence Logan Intl", City: "Boston", State: "MA"},
	{Code: "DEN", Name: "Denver Intl", City: "Denver", State: "CO"},
	{Code: "JFK", Name: "John F Kennedy Intl", City: "New York", State: "NY"},
	{Code: "LAX", Name: "Los Angeles Intl", City: "Los Angeles", State: "CA"},
	{Code: "ORD", Name: "Chicago O'Hare Intl", City: "Chicago", State: "IL"},
	{Code: "SEA", Name: "Seattle-Tacoma Intl", City: "Seattle", State: "WA"},
	{Code: "SFO", Name: "San Francisco Intl", City: "San Francisco", State: "CA"},
}

var Carriers = []Carrier{
	{Code: "AA", Name: "American Airlines"},
	{Code: "AS", Name: "Alaska Airlines"},
	{Code: "B6", Name: "JetBlue Airways"},
	{Code: "DL", Name: "Delta Air Lines"},
	{Code: "UA", Name: "United Air Lines"},
	{Code: "WN", Name: "Southwest Airlines"},
}

// Generator produces a reproducible stream of flights for a seed.
type Generator struct {
	rnd      *rand.Rand
	start    time.Time
	sequence int64
}

func NewGenerator(seed int64, start time.Time) *Generator {
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: start.UTC().Truncate(24 * time.Hour),
	}
}

func (g *Generator) NextFlight() Flight {
	g.sequence++
	origin := g.rnd.Intn(len(Airports))
	destination := g.rnd.Intn(len(Airports) - 1)
	if destination >= origin {
		destination++
	}

	departedAt := g.start.
		Add(time.Duration(g.rnd.Intn(90)) * 24 * time.Hour).
		Add(time.Duration(5*60+g.rnd.Intn(18*60)) * time.Minute)
	depDelay := g.pickDelay()
	cancelled := g.rnd.Intn(100) < 2

	flight := Flight{
		ID:          g.sequence,
		Carrier:     Carriers[g.rnd.Intn(len(Carriers))].Code,
		Origin:      Airports[origin].Code,
		Destination: Airports[destination].Code,
		DepartedAt:  departedAt,
		DepDelay:    depDelay,
		ArrDelay:    depDelay + g.rnd.Intn(21) - 10,
		Distance:    300 + g.rnd.Intn(2400),
		Cancelled:   cancelled,
	}
	if cancelled {
		flight.DepDelay, flight.ArrDelay = 0, 0
	}
	return flight
}

func (g *Generator) pickDelay() int {
	p := g.rnd.Intn(100)
	switch {
	case p < 60:
		return g.rnd.Intn(11) - 5
	case p < 85:
		return 5 + g.rnd.Intn(25)
	case p < 97:
		return 30 + g.rnd.Intn(90)
	default:
		return 120 + g.rnd.Intn(240)
	}
}
