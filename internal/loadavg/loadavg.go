// Package loadavg reads the server load average for load shedding.
package loadavg

import (
	"sync"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
)

type loadReader interface {
	LoadAvg() (*procfs.LoadAvg, error)
}

// Sensor reports the one-minute load average from /proc/loadavg.
type Sensor struct {
	fs     loadReader
	logger *zap.Logger
	once   sync.Once
}

var _ linkcheck.LoadSensor = (*Sensor)(nil)

// New returns a Sensor over the default proc mount. On platforms without
// procfs the sensor reports that no load is available.
func New(logger *zap.Logger) *Sensor {
	s := &Sensor{logger: logging.OrNop(logger).Named("loadavg")}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		s.logger.Info("load average unavailable", zap.Error(err))
		return s
	}
	s.fs = fs
	return s
}

// NewWithMount reads from a proc filesystem mounted at mountPoint.
func NewWithMount(mountPoint string, logger *zap.Logger) (*Sensor, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Sensor{fs: fs, logger: logging.OrNop(logger).Named("loadavg")}, nil
}

// Load returns the one-minute load average.
func (s *Sensor) Load() (float64, bool) {
	if s == nil || s.fs == nil {
		return 0, false
	}
	avg, err := s.fs.LoadAvg()
	if err != nil {
		s.once.Do(func() {
			s.logger.Warn("read load average", zap.Error(err))
		})
		return 0, false
	}
	return avg.Load1, true
}
