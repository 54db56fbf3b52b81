// Package parse interprets the line-oriented progress output of the external
// copy and sync tools. The grammar is deliberately narrow: one pattern for
// percent-complete lines, a denylist of known non-filename banner prefixes
// for current-item inference, and a rate limiter bounding how often updates
// are emitted. Lines that match nothing are not errors.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unknown is the placeholder for fields the tool did not report.
// The parser never fabricates throughput or ETA values.
const Unknown = "unknown"

// DefaultEmitInterval bounds progress-store I/O to one write per second.
const DefaultEmitInterval = time.Second

// Update is an interpreted progress event.
type Update struct {
	Percent     int
	FilesDone   int
	Speed       string
	ETA         string
	CurrentFile string
}

// Rules describe one tool's output grammar.
type Rules struct {
	// Percent matches a percent-complete line. PercentIdx, SpeedIdx and
	// ETAIdx are submatch indexes; SpeedIdx/ETAIdx submatches may be empty.
	Percent    *regexp.Regexp
	PercentIdx int
	SpeedIdx   int
	ETAIdx     int

	// Banners are line prefixes known to not be filenames (summary and
	// error banners, headers). Matching is prefix-based after trimming.
	Banners []string

	// Item optionally extracts the current item name from a line. When nil,
	// any non-blank non-banner line is taken verbatim as the candidate
	// item name; false positives are accepted by design.
	Item    *regexp.Regexp
	ItemIdx int
}

// Rsync returns the grammar for rsync --info=progress2 output.
func Rsync() Rules {
	return Rules{
		Percent:    regexp.MustCompile(`^\s*[\d.,]+[KMGTP]?\s+(\d+)%(?:\s+([\d.]+[KMGTP]?B/s))?(?:\s+([\d:]+))?`),
		PercentIdx: 1,
		SpeedIdx:   2,
		ETAIdx:     3,
		Banners: []string{
			"sending incremental file list",
			"building file list",
			"created directory",
			"sent ",
			"total size is",
			"Number of",
			"Total ",
			"Literal data",
			"Matched data",
			"File list ",
			"rsync:",
			"rsync error",
			"deleting ",
			"skipping ",
			"cannot ",
		},
	}
}

// Rclone returns the grammar for rclone --progress stat blocks.
func Rclone() Rules {
	return Rules{
		Percent:    regexp.MustCompile(`Transferred:.*?,\s*(\d+)%(?:,\s*([\d.]+\s*[KMGTP]?i?B/s))?(?:,\s*ETA\s*(\S+))?`),
		PercentIdx: 1,
		SpeedIdx:   2,
		ETAIdx:     3,
		Banners: []string{
			"Transferred:",
			"Errors:",
			"Checks:",
			"Deleted:",
			"Renamed:",
			"Elapsed time:",
			"Transferring:",
			"---",
			"NOTICE:",
			"ERROR :",
			"INFO  :",
		},
		Item:    regexp.MustCompile(`^\s*\*\s*([^:]+?)(?::|\s*$)`),
		ItemIdx: 1,
	}
}

// Parser consumes one tool's output stream line by line. It keeps the last
// known item name and the last emission time; it is not safe for concurrent
// use, matching its single-reader call pattern.
type Parser struct {
	rules        Rules
	filesTotal   int
	emitInterval time.Duration

	lastEmit    time.Time
	currentFile string
	now         func() time.Time
}

// ParserOption is a functional option for configuring the parser.
type ParserOption func(*Parser)

// WithEmitInterval overrides the minimum time between emitted updates.
func WithEmitInterval(d time.Duration) ParserOption {
	return func(p *Parser) {
		p.emitInterval = d
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) ParserOption {
	return func(p *Parser) {
		p.now = now
	}
}

// New creates a parser. filesTotal is the known size of the file set; the
// tools report overall percent, from which per-file progress is re-derived.
func New(rules Rules, filesTotal int, opts ...ParserOption) *Parser {
	p := &Parser{
		rules:        rules,
		filesTotal:   filesTotal,
		emitInterval: DefaultEmitInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentFile returns the last inferred item name.
func (p *Parser) CurrentFile() string { return p.currentFile }

// ParseLine interprets one output line. It returns an Update and true when a
// progress snapshot should be published; filename-only lines update internal
// state and return false.
func (p *Parser) ParseLine(line string) (Update, bool) {
	trimmed := strings.TrimRight(line, "\r\n")

	if m := p.rules.Percent.FindStringSubmatch(trimmed); m != nil {
		now := p.now()
		if !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.emitInterval {
			return Update{}, false
		}

		pct, err := strconv.Atoi(m[p.rules.PercentIdx])
		if err != nil || pct < 0 {
			// Malformed percent is tolerated, not an error.
			return Update{}, false
		}
		if pct > 100 {
			pct = 100
		}

		u := Update{
			Percent:     pct,
			FilesDone:   p.filesTotal * pct / 100,
			Speed:       submatchOr(m, p.rules.SpeedIdx),
			ETA:         submatchOr(m, p.rules.ETAIdx),
			CurrentFile: p.currentFile,
		}
		p.lastEmit = now
		return u, true
	}

	p.inferItem(trimmed)
	return Update{}, false
}

// inferItem treats a non-blank, non-banner line as the candidate current
// item name. Any such line is assumed to be a filename; the occasional
// banner variant missing from the denylist shows up as a cosmetic glitch
// and is not corrected.
func (p *Parser) inferItem(line string) {
	candidate := strings.TrimSpace(line)
	if candidate == "" {
		return
	}
	for _, banner := range p.rules.Banners {
		if strings.HasPrefix(candidate, banner) {
			return
		}
	}
	if p.rules.Item != nil {
		m := p.rules.Item.FindStringSubmatch(line)
		if m == nil {
			return
		}
		candidate = strings.TrimSpace(m[p.rules.ItemIdx])
		if candidate == "" {
			return
		}
	}
	// Directory entries in rsync listings end with a slash.
	if strings.HasSuffix(candidate, "/") {
		return
	}
	p.currentFile = candidate
}

func submatchOr(m []string, idx int) string {
	if idx <= 0 || idx >= len(m) || m[idx] == "" {
		return Unknown
	}
	return m[idx]
}
