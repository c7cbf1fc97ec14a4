// Package txlog is the structured kratos logger used by the txscope binaries.
// It emits one JSON object per entry and lifts the conventional
//
//	component: event key=value key=value
//
// message layout of the toolkit packages into separate fields, so a line like
// "txmanager: commit failed method=read_write retryable=true err=..." becomes
// component "txmanager", event "commit failed" and three queryable fields.
package txlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	traceKey  = "trace_id"
	spanKey   = "span_id"
	callerKey = "caller"
	errorKey  = "error"
)

// Options defines logger configuration parameters.
type Options struct {
	Service              string
	Version              string
	Environment          string
	InstanceID           string
	DisableInstanceID    bool
	StaticLabels         map[string]string
	Writer               io.Writer
	EnableSourceLocation bool
	// DisableMessageFields keeps the message verbatim.
	DisableMessageFields bool
	now                  func() time.Time
}

// Option customises Options.
type Option func(*Options)

// WithService configures the service name (required).
func WithService(name string) Option {
	return func(o *Options) { o.Service = name }
}

// WithVersion configures the service version (required).
func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

func WithEnvironment(env string) Option {
	return func(o *Options) { o.Environment = env }
}

// WithInstanceID sets the instance_id label. It defaults to the hostname.
func WithInstanceID(id string) Option {
	return func(o *Options) { o.InstanceID = id }
}

// DisableInstanceID prevents emitting the instance_id label.
func DisableInstanceID() Option {
	return func(o *Options) { o.DisableInstanceID = true }
}

// WithStaticLabels registers constant labels that apply to all entries.
func WithStaticLabels(labels map[string]string) Option {
	return func(o *Options) {
		if len(labels) == 0 {
			return
		}
		if o.StaticLabels == nil {
			o.StaticLabels = make(map[string]string, len(labels))
		}
		for k, v := range labels {
			if k != "" {
				o.StaticLabels[k] = v
			}
		}
	}
}

// WithWriter configures the output writer (defaults to stdout).
func WithWriter(w io.Writer) Option {
	return func(o *Options) { o.Writer = w }
}

// EnableSourceLocation records source file and line for each entry.
func EnableSourceLocation() Option {
	return func(o *Options) { o.EnableSourceLocation = true }
}

// DisableMessageFields turns off splitting messages into component, event
// and fields.
func DisableMessageFields() Option {
	return func(o *Options) { o.DisableMessageFields = true }
}

// ValidateOptions ensures mandatory fields exist and populates defaults.
func ValidateOptions(opts *Options) error {
	if strings.TrimSpace(opts.Service) == "" {
		return errors.New("txlog: service is required")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return errors.New("txlog: version is required")
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if !opts.DisableInstanceID && opts.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			opts.InstanceID = host
		}
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return nil
}

// Logger implements log.Logger and writes JSON lines.
type Logger struct {
	opts   Options
	labels map[string]string

	mu sync.Mutex
	w  io.Writer
}

var _ log.Logger = (*Logger)(nil)

// NewLogger constructs a JSON Logger satisfying kratos log.Logger.
func NewLogger(opts ...Option) (*Logger, error) {
	cfg := Options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := ValidateOptions(&cfg); err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(cfg.StaticLabels)+1)
	for k, v := range cfg.StaticLabels {
		labels[k] = v
	}
	if !cfg.DisableInstanceID && cfg.InstanceID != "" {
		labels["instance_id"] = cfg.InstanceID
	}
	return &Logger{opts: cfg, labels: labels, w: cfg.Writer}, nil
}

// Log implements the kratos log.Logger interface. Keys other than the
// message, trace, span and caller keys land in fields; errors are rendered
// with their message.
func (l *Logger) Log(level log.Level, keyvals ...any) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, nil)
	}

	entry := logEntry{
		Timestamp: l.opts.now().UTC().Format(time.RFC3339Nano),
		Severity:  severityFromLevel(level),
		Service: serviceContext{
			Name:        l.opts.Service,
			Version:     l.opts.Version,
			Environment: l.opts.Environment,
		},
	}
	labels := make(map[string]string, len(l.labels)+1)
	for k, v := range l.labels {
		labels[k] = v
	}
	var fields map[string]any
	setField := func(key string, val any) {
		if fields == nil {
			fields = make(map[string]any)
		}
		fields[key] = val
	}

	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		val := keyvals[i+1]
		switch key {
		case log.DefaultMessageKey:
			entry.Message, _ = val.(string)
			if entry.Message == "" && val != nil {
				entry.Message = fmt.Sprint(val)
			}
		case traceKey:
			entry.Trace, _ = val.(string)
		case spanKey:
			entry.SpanID, _ = val.(string)
		case callerKey:
			if s := fmt.Sprint(val); s != "" {
				labels[callerKey] = s
			}
		default:
			if err, isErr := val.(error); isErr && err != nil {
				setField(key, err.Error())
				continue
			}
			setField(key, val)
		}
	}

	if !l.opts.DisableMessageFields && entry.Message != "" {
		parsed := parseMessage(entry.Message)
		entry.Component = parsed.component
		entry.Event = parsed.event
		for _, kv := range parsed.fields {
			if _, taken := fields[kv.key]; taken {
				continue
			}
			setField(kv.key, kv.value)
		}
	}
	if entry.Message == "" {
		entry.Message = "<no message>"
	}
	if l.opts.EnableSourceLocation {
		entry.SourceLocation = captureSourceLocation()
	}
	if len(labels) > 0 {
		entry.Labels = labels
	}
	entry.Fields = fields
	return l.write(entry)
}

func (l *Logger) write(entry logEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("txlog: encode entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// captureSourceLocation returns the first frame outside kratos log and the
// Logger itself.
func captureSourceLocation() *sourceLocation {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.File != "" &&
			!strings.HasPrefix(frame.Function, "github.com/go-kratos/kratos/v2/log.") &&
			!strings.HasPrefix(frame.Function, selfPrefix) {
			return &sourceLocation{File: frame.File, Line: frame.Line, Function: frame.Function}
		}
		if !more {
			return nil
		}
	}
}

const selfPrefix = "github.com/bionicotaku/lingo-txscope/txlog.(*Logger)."

// severityFromLevel converts a kratos level to severity text.
func severityFromLevel(level log.Level) string {
	switch level {
	case log.LevelDebug:
		return "DEBUG"
	case log.LevelWarn:
		return "WARNING"
	case log.LevelError:
		return "ERROR"
	case log.LevelFatal:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

type logEntry struct {
	Timestamp      string            `json:"timestamp"`
	Severity       string            `json:"severity"`
	Message        string            `json:"message"`
	Component      string            `json:"component,omitempty"`
	Event          string            `json:"event,omitempty"`
	Service        serviceContext    `json:"service"`
	Trace          string            `json:"trace_id,omitempty"`
	SpanID         string            `json:"span_id,omitempty"`
	SourceLocation *sourceLocation   `json:"source,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Fields         map[string]any    `json:"fields,omitempty"`
}

type serviceContext struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment,omitempty"`
}

type sourceLocation struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}
