package progress

import (
	"context"
	"log/slog"
	"reflect"
)

// DataKey names the sequence a unit of work iterates over.
const DataKey = "data"

// Fields is the structured input and output of a stage.
type Fields map[string]any

// View exposes one index of a Fields value without copying it. Sequence
// fields read as a one-element sequence at the index, or nil when the
// sequence is shorter. Scalars read unchanged. A view built for a whole input
// returns every field as is.
type View struct {
	src   Fields
	index int
	whole bool
}

func (v View) Index() int { return v.index }

func (v View) Get(key string) any {
	val, ok := v.src[key]
	if !ok || v.whole {
		return val
	}
	elem, isSeq, inRange := elementAt(val, v.index)
	if !isSeq {
		return val
	}
	if !inRange {
		return nil
	}
	return []any{elem}
}

// Item returns the data element the view points at.
func (v View) Item() (any, bool) {
	index := v.index
	if v.whole {
		index = 0
	}
	elem, isSeq, inRange := elementAt(v.src[DataKey], index)
	return elem, isSeq && inRange
}

// Fields materializes the view.
func (v View) Fields() Fields {
	out := make(Fields, len(v.src))
	for k := range v.src {
		out[k] = v.Get(k)
	}
	return out
}

// Guarder runs fn once jobID is allowed to proceed.
type Guarder interface {
	Guard(ctx context.Context, jobID string, fn func(context.Context) error) error
}

type RunOptions struct {
	Task        string
	JobID       string
	Description string
	Reporter    Reporter
	Guard       Guarder
	Logger      *slog.Logger
}

// UnitFunc processes one view and returns its partial result.
type UnitFunc func(ctx context.Context, view View) (Fields, error)

// Run drives fn over every element of input's data sequence, guarding and
// reporting each one, and merges the partial results. Without a data
// sequence fn runs once over the whole input.
func Run(ctx context.Context, opts RunOptions, input Fields, fn UnitFunc) (Fields, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task", opts.Task, "job_id", opts.JobID)

	total, ok := seqLen(input[DataKey])
	if !ok || total == 0 {
		monitor := NewMonitor(opts.Reporter, 1, opts.Description, logger)
		var out Fields
		err := guard(ctx, opts, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, View{src: input, whole: true})
			return err
		})
		if err != nil {
			logger.Error("task error", "err", err)
			return nil, err
		}
		monitor.Advance(ctx)
		return out, nil
	}

	monitor := NewMonitor(opts.Reporter, total, opts.Description, logger)
	merged := make(Fields, len(input))
	for k, v := range input {
		merged[k] = v
	}
	emitted := make(map[string]bool)
	for i := range total {
		var part Fields
		err := guard(ctx, opts, func(ctx context.Context) error {
			var err error
			part, err = fn(ctx, View{src: input, index: i})
			return err
		})
		if err != nil {
			logger.Error("task error", "index", i, "err", err)
			return nil, err
		}
		monitor.Advance(ctx)
		mergeInto(merged, part, emitted)
	}
	return merged, nil
}

func guard(ctx context.Context, opts RunOptions, fn func(context.Context) error) error {
	if opts.Guard == nil {
		return fn(ctx)
	}
	return opts.Guard.Guard(ctx, opts.JobID, fn)
}

// mergeInto concatenates sequence fields of part onto dst and lets scalar
// fields overwrite. The first sequence emitted under a key replaces whatever
// the input carried there; input sequences no unit emits are kept as is.
func mergeInto(dst, part Fields, emitted map[string]bool) {
	for k, v := range part {
		seq, ok := sequence(v)
		if !ok {
			dst[k] = v
			continue
		}
		var existing []any
		if emitted[k] {
			existing, _ = dst[k].([]any)
		}
		emitted[k] = true
		dst[k] = append(existing, seq...)
	}
}

func elementAt(v any, i int) (elem any, isSeq, inRange bool) {
	switch s := v.(type) {
	case nil, string, []byte:
		return nil, false, false
	case []any:
		if i < len(s) {
			return s[i], true, true
		}
		return nil, true, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false, false
	}
	if i < rv.Len() {
		return rv.Index(i).Interface(), true, true
	}
	return nil, true, false
}

// seqLen reports whether v is a list and its length.
func seqLen(v any) (int, bool) {
	switch s := v.(type) {
	case nil, string, []byte:
		return 0, false
	case []any:
		return len(s), true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return 0, false
	}
	return rv.Len(), true
}

// sequence reports whether v is a list and returns its elements. Strings and
// byte slices are scalars.
func sequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []any:
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
