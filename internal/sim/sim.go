// Package sim provides simulated instrument engines. Each engine models one
// instrument's physics and speaks a SCPI dialect through HandleCommand, so
// the same engine can back an in-process mock connection or a labsim TCP
// session.
package sim

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

// rng is shared by all engines; noise does not need to be reproducible.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(1))
)

// noise returns a gaussian perturbation with the given standard deviation.
func noise(stddev float64) float64 {
	if stddev <= 0 {
		return 0
	}
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.NormFloat64() * stddev
}

// splitCommand separates a SCPI line into its upper-cased command word and
// the remaining argument text.
func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// parseOnOff interprets the usual SCPI boolean spellings.
func parseOnOff(arg string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "ON", "1", "TRUE":
		return true, true
	case "OFF", "0", "FALSE":
		return false, true
	}
	return false, false
}

func parseFloat(arg string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	return v, err == nil
}

func parseInt(arg string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(arg))
	return v, err == nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

const errNoError = "0,No error"
