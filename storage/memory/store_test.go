package memory

import (
	"testing"
	"time"

	s "github.com/chihaya/ratiotracker/storage"
)

func createNew() s.Store {
	st, err := New(Config{PrometheusReportingInterval: 10 * time.Minute})
	if err != nil {
		panic(err)
	}
	return st
}

func TestStore(t *testing.T) { s.TestStore(t, createNew()) }
