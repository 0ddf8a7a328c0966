package flashlog

import "github.com/viant/flashlog/sector"

// Stats exposes the engine counters. Counters reset on Init.
type Stats = sector.Stats
