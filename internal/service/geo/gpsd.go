// internal/service/geo/gpsd.go

package geo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/logging"
)

// gpsdWatch asks gpsd to stream JSON reports
const gpsdWatch = `?WATCH={"enable":true,"json":true};` + "\n"

// tpvReport is gpsd's time-position-velocity report
type tpvReport struct {
	Class string    `json:"class"`
	Mode  int       `json:"mode"`
	Time  time.Time `json:"time"`
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Epx   float64   `json:"epx"`
	Epy   float64   `json:"epy"`
}

// GPSDSource reads fixes from a gpsd JSON stream. Only the most recent
// unread fix is kept.
type GPSDSource struct {
	fixes  chan geo.PositionSample
	closer io.Closer
	once   sync.Once
	log    zerolog.Logger
}

// DialGPSD connects to gpsd at addr (host:port) and enables watching
func DialGPSD(ctx context.Context, addr string) (*GPSDSource, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial gpsd %s: %w", addr, geo.ErrUnsupported)
	}

	if _, err := io.WriteString(conn, gpsdWatch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable gpsd watch: %w", err)
	}

	return NewStreamSource(conn), nil
}

// NewStreamSource reads newline-delimited gpsd reports from r
func NewStreamSource(r io.ReadCloser) *GPSDSource {
	s := &GPSDSource{
		fixes:  make(chan geo.PositionSample, 1),
		closer: r,
		log:    logging.With("gpsd"),
	}
	go s.read(r)
	return s
}

// Next returns the next fix. gpsd always reports its best fix, so
// highAccuracy has no effect.
func (s *GPSDSource) Next(ctx context.Context, highAccuracy bool) (geo.PositionSample, error) {
	select {
	case fix, ok := <-s.fixes:
		if !ok {
			return geo.PositionSample{}, fmt.Errorf("gpsd stream closed: %w", geo.ErrPositionUnavailable)
		}
		return fix, nil
	case <-ctx.Done():
		return geo.PositionSample{}, ctx.Err()
	}
}

// Close closes the underlying stream
func (s *GPSDSource) Close() error {
	var err error
	s.once.Do(func() {
		err = s.closer.Close()
	})
	return err
}

func (s *GPSDSource) read(r io.Reader) {
	defer close(s.fixes)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fix, ok := parseTPV(scanner.Bytes())
		if !ok {
			continue
		}

		select {
		case s.fixes <- fix:
		default:
			// Replace the unread fix with the newer one
			select {
			case <-s.fixes:
			default:
			}
			s.fixes <- fix
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Msg("gpsd stream read failed")
	}
}

// parseTPV returns a sample for TPV reports that carry a 2D or 3D fix
func parseTPV(line []byte) (geo.PositionSample, bool) {
	var report tpvReport
	if err := json.Unmarshal(line, &report); err != nil {
		return geo.PositionSample{}, false
	}
	if report.Class != "TPV" || report.Mode < 2 {
		return geo.PositionSample{}, false
	}

	captured := report.Time
	if captured.IsZero() {
		captured = time.Now()
	}

	return geo.PositionSample{
		Longitude:      report.Lon,
		Latitude:       report.Lat,
		AccuracyMeters: math.Max(report.Epx, report.Epy),
		CapturedAt:     captured,
	}, true
}
