// Package readiness infers the state of a server from the lines it prints.
//
// A Detector holds an ordered set of markers. Lines are fed one at a time and
// each marker must match, in order, before the server is considered ready.
// A marker flagged with Capture extracts the base URL from its line. Only the
// Detector knows the log format, so the supervising code never inspects lines
// itself.
package readiness

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jupyter/itest/internal/model"
)

var (
	ErrNoURL      = errors.New("marker line has no url")
	ErrNoMarkers  = errors.New("no readiness markers")
	ErrBadPattern = errors.New("invalid marker")
)

// urlRx takes everything from the first http to the end of the line.
var urlRx = regexp.MustCompile(`(http.*)$`)

type Phase int

const (
	NotStarted Phase = iota
	WaitingForBind
	WaitingForReady
	Ready
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case WaitingForBind:
		return "waiting_for_bind"
	case WaitingForReady:
		return "waiting_for_ready"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Marker struct {
	Name    string
	Pattern *regexp.Regexp
	Capture bool
}

// Contains returns a marker matching a literal substring.
func Contains(name, substr string) Marker {
	return Marker{Name: name, Pattern: regexp.MustCompile(regexp.QuoteMeta(substr))}
}

// WithCapture makes the marker extract the base URL from its line.
func (m Marker) WithCapture() Marker {
	m.Capture = true
	return m
}

// Detector is not safe for concurrent use, it's fed from a single reader.
type Detector struct {
	markers []Marker
	next    int
	started bool
	baseURL string
	err     error
}

func New(markers ...Marker) *Detector {
	return &Detector{markers: append([]Marker(nil), markers...)}
}

// Jupyter returns the detector for the notebook server startup log.
func Jupyter() *Detector {
	return New(
		Contains("bind", "Jupyter Notebook is running at:").WithCapture(),
		Contains("ready", "Control-C"),
	)
}

// FromConfig compiles configured markers.
func FromConfig(cfg model.Readiness) (*Detector, error) {
	if len(cfg.Markers) == 0 {
		return nil, ErrNoMarkers
	}
	markers := make([]Marker, 0, len(cfg.Markers))
	for _, m := range cfg.Markers {
		var rx *regexp.Regexp
		switch {
		case m.Contains != "" && m.Regexp != "":
			return nil, fmt.Errorf("%w %s: both contains and regexp set", ErrBadPattern, m.Name)
		case m.Contains != "":
			rx = regexp.MustCompile(regexp.QuoteMeta(m.Contains))
		case m.Regexp != "":
			var err error
			rx, err = regexp.Compile(m.Regexp)
			if err != nil {
				return nil, fmt.Errorf("%w %s: %w", ErrBadPattern, m.Name, err)
			}
		default:
			return nil, fmt.Errorf("%w %s: contains or regexp is required", ErrBadPattern, m.Name)
		}
		markers = append(markers, Marker{Name: m.Name, Pattern: rx, Capture: m.CaptureURL})
	}
	return New(markers...), nil
}

// Feed processes one line of server output. It returns true once the last
// marker was matched; further lines are ignored. Blank lines never match.
func (d *Detector) Feed(line string) bool {
	d.started = true
	if d.Done() || d.err != nil {
		return d.Done()
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	m := d.markers[d.next]
	if !m.Pattern.MatchString(line) {
		return false
	}
	if m.Capture {
		match := urlRx.FindStringSubmatch(line)
		if match == nil {
			d.err = fmt.Errorf("%w: marker %s: %q", ErrNoURL, m.Name, line)
			return false
		}
		d.baseURL = match[1]
	}
	d.next++
	return d.Done()
}

// Done reports whether all markers were seen.
func (d *Detector) Done() bool {
	return d.next >= len(d.markers)
}

// Err returns a terminal detection error, after which Feed never succeeds.
func (d *Detector) Err() error {
	return d.err
}

// Marker returns the name of the marker the detector waits for, or empty
// string when ready.
func (d *Detector) Marker() string {
	if d.Done() {
		return ""
	}
	return d.markers[d.next].Name
}

func (d *Detector) Phase() Phase {
	switch {
	case d.Done():
		return Ready
	case !d.started:
		return NotStarted
	case d.baseURL == "" && d.capturePending():
		return WaitingForBind
	default:
		return WaitingForReady
	}
}

func (d *Detector) capturePending() bool {
	for _, m := range d.markers[d.next:] {
		if m.Capture {
			return true
		}
	}
	return false
}

// BaseURL returns the captured url exactly as printed by the server.
func (d *Detector) BaseURL() string {
	return d.baseURL
}

// Token returns the token query parameter of the base URL, if any.
func (d *Detector) Token() string {
	return TokenOf(d.baseURL)
}

func TokenOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}
