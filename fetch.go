package eventstore

import (
	"slices"

	"gorm.io/gorm"
)

// FetchConfig (configure using FetchOpt)
type FetchConfig struct {
	streamID     string
	category     Category
	types        []string
	afterVersion *int
	descending   bool
	limit        int
	where        []predicate
}

type predicate struct {
	query string
	args  []any
}

// FetchOpt represents a Fetch filter / ordering option
type FetchOpt func(FetchConfig) FetchConfig

// InStream limits the result to events of a single stream
func InStream(id string) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.streamID = id

		return cfg
	}
}

// OfCategory limits the result to a single event category
func OfCategory(c Category) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.category = c

		return cfg
	}
}

// OfType limits the result to the given event type names
func OfType(types ...string) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.types = append(cfg.types, types...)

		return cfg
	}
}

// AfterVersion limits the result to events with a stream version
// strictly greater than v
func AfterVersion(v int) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.afterVersion = &v

		return cfg
	}
}

// Descending reverses the default (ascending) ordering
func Descending() FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.descending = true

		return cfg
	}
}

// Limit caps the number of returned events
func Limit(n int) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.limit = n

		return cfg
	}
}

// Where adds an arbitrary sql predicate over event columns
// eg. Where("occurred_on > ?", t)
func Where(query string, args ...any) FetchOpt {
	return func(cfg FetchConfig) FetchConfig {
		cfg.where = append(cfg.where, predicate{query: query, args: args})

		return cfg
	}
}

// NewFetchConfig builds fetch configuration out of opts
func NewFetchConfig(opts ...FetchOpt) FetchConfig {
	var cfg FetchConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return cfg
}

// Filter applies filters, ordering and limit to an in memory slice of events
// (Where predicates are sql only and are ignored). It can be used by in memory
// event store implementations
func (cfg FetchConfig) Filter(events []StoredEvent) []StoredEvent {
	var out []StoredEvent

	for _, evt := range events {
		if cfg.streamID != "" && evt.StreamID != cfg.streamID {
			continue
		}

		if cfg.category != "" && evt.Category != cfg.category {
			continue
		}

		if len(cfg.types) > 0 && !slices.Contains(cfg.types, evt.Type) {
			continue
		}

		if cfg.afterVersion != nil && evt.StreamVersion <= *cfg.afterVersion {
			continue
		}

		out = append(out, evt)
	}

	slices.SortStableFunc(out, func(a, b StoredEvent) int {
		if cfg.streamID != "" {
			return a.StreamVersion - b.StreamVersion
		}

		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		default:
			return 0
		}
	})

	if cfg.descending {
		slices.Reverse(out)
	}

	if cfg.limit > 0 && len(out) > cfg.limit {
		out = out[:cfg.limit]
	}

	return out
}

func (cfg FetchConfig) apply(q *gorm.DB) *gorm.DB {
	if cfg.streamID != "" {
		q = q.Where("stream_id = ?", cfg.streamID)
	}

	if cfg.category != "" {
		q = q.Where("category = ?", string(cfg.category))
	}

	if len(cfg.types) > 0 {
		q = q.Where("type IN ?", cfg.types)
	}

	if cfg.afterVersion != nil {
		q = q.Where("stream_version > ?", *cfg.afterVersion)
	}

	for _, p := range cfg.where {
		q = q.Where(p.query, p.args...)
	}

	// within a single stream version order equals insertion order,
	// across streams the global sequence is used
	order := "sequence"
	if cfg.streamID != "" {
		order = "stream_version"
	}

	if cfg.descending {
		q = q.Order(order + " desc")
	} else {
		q = q.Order(order + " asc")
	}

	if cfg.limit > 0 {
		q = q.Limit(cfg.limit)
	}

	return q
}
