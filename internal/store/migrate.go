package store

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// decodeDocument parses a persisted store, migrating recognized older
// versions forward field by field. Unrecognized newer versions fail fast.
func decodeDocument(raw []byte) (document, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return document{}, fmt.Errorf("store: corrupt document: %w", err)
	}

	switch header.Version {
	case SchemaVersion:
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return document{}, fmt.Errorf("store: decode v%d document: %w", SchemaVersion, err)
		}
		if doc.Attackers == nil {
			doc.Attackers = make(map[string]*domain.AttackerRecord)
		}
		return doc, nil

	case 1:
		return migrateV1(raw)

	default:
		return document{}, fmt.Errorf("%w: file version %d, supported up to %d",
			ErrSchemaTooNew, header.Version, SchemaVersion)
	}
}

// documentV1 is the original schema: records keyed under "ips", attempt
// timestamps in one flat list without per-jail attribution, no orphan
// tracking and no persisted classification.
type documentV1 struct {
	Version   int                 `json:"version"`
	CreatedAt time.Time           `json:"created_at"`
	Whitelist []ListEntry         `json:"whitelist"`
	Blacklist []ListEntry         `json:"blacklist"`
	IPs       map[string]recordV1 `json:"ips"`
}

type recordV1 struct {
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
	Geo       *domain.GeoInfo `json:"geo,omitempty"`
	Jails     []string        `json:"jails,omitempty"`
	Attempts  struct {
		Total      int            `json:"total"`
		ByJail     map[string]int `json:"by_jail,omitempty"`
		Timestamps []int64        `json:"timestamps,omitempty"`
	} `json:"attempts"`
	Bans []struct {
		Start        time.Time  `json:"start"`
		End          *time.Time `json:"end,omitempty"`
		Jail         string     `json:"jail"`
		TriggerCount int        `json:"trigger_count"`
	} `json:"bans,omitempty"`
}

func migrateV1(raw []byte) (document, error) {
	var old documentV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return document{}, fmt.Errorf("store: decode v1 document: %w", err)
	}

	doc := document{
		Version:   SchemaVersion,
		CreatedAt: old.CreatedAt,
		Whitelist: old.Whitelist,
		Blacklist: old.Blacklist,
		Attackers: make(map[string]*domain.AttackerRecord, len(old.IPs)),
	}

	for key, rv := range old.IPs {
		addr, err := netip.ParseAddr(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("skipping v1 record with invalid address")
			continue
		}

		rec := domain.NewAttackerRecord(addr, rv.FirstSeen)
		rec.LastSeen = rv.LastSeen
		rec.Geo = rv.Geo
		rec.Jails = rv.Jails

		// v1 kept one flat timestamp list; attribute it to the record's
		// dominant jail so interval analysis keeps working
		jail := dominantJail(rv.Attempts.ByJail, rv.Jails)
		rec.Attempts.Total = rv.Attempts.Total
		rec.Attempts.ByJail = rv.Attempts.ByJail
		if rec.Attempts.ByJail == nil {
			rec.Attempts.ByJail = make(map[string]int)
		}
		if len(rv.Attempts.Timestamps) > 0 && jail != "" {
			rec.Attempts.Timestamps[jail] = rv.Attempts.Timestamps
			first := time.Unix(rv.Attempts.Timestamps[0], 0)
			last := time.Unix(rv.Attempts.Timestamps[len(rv.Attempts.Timestamps)-1], 0)
			rec.Attempts.First = &first
			rec.Attempts.Last = &last
		}

		for _, b := range rv.Bans {
			span := domain.BanSpan{
				BanTime:        b.Start,
				Jail:           b.Jail,
				FailsBeforeBan: b.TriggerCount,
				Origin:         domain.OriginLog,
			}
			if b.End != nil {
				t := *b.End
				span.UnbanTime = &t
				span.UnbanOrigin = domain.OriginLog
			}
			rec.InsertSpan(span)
		}
		rec.RecomputeCounters()
		doc.Attackers[key] = rec
	}

	log.Info().Int("attackers", len(doc.Attackers)).Msg("migrated store schema v1 -> v2")
	return doc, nil
}

func dominantJail(byJail map[string]int, jails []string) string {
	best, bestN := "", -1
	for j, n := range byJail {
		if n > bestN {
			best, bestN = j, n
		}
	}
	if best == "" && len(jails) > 0 {
		best = jails[0]
	}
	return best
}
