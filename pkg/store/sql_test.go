package store

import (
	"strings"
	"testing"
	"time"

	"github.com/nova-io/nova/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWindowQuery(t *testing.T) {
	base := WindowQuery{
		ScopeID:  "scope1",
		Timebase: models.TimebaseSource,
		Start:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
	}

	t.Run("covers all five lanes by default", func(t *testing.T) {
		query, args := buildWindowQuery(base)
		for _, table := range laneTables {
			assert.Contains(t, query, "FROM "+table)
		}
		assert.Equal(t, 4, strings.Count(query, "UNION ALL"))
		require.Len(t, args, 3)
		assert.Equal(t, "scope1", args[0])
	})

	t.Run("restricts to requested lanes", func(t *testing.T) {
		q := base
		q.Lanes = []models.Lane{models.LaneParsed}
		query, _ := buildWindowQuery(q)
		assert.Contains(t, query, "FROM parsed_events")
		assert.NotContains(t, query, "FROM raw_events")
		assert.NotContains(t, query, "UNION ALL")
	})

	t.Run("orders by the full tuple for the chosen timebase", func(t *testing.T) {
		query, _ := buildWindowQuery(base)
		assert.Contains(t, query, "ORDER BY "+models.OrderClause(models.TimebaseSource))
		assert.Contains(t, query, "source_time >= $2")
		assert.Contains(t, query, "source_time < $3")

		q := base
		q.Timebase = models.TimebaseCanonical
		query, _ = buildWindowQuery(q)
		assert.Contains(t, query, "canonical_time >= $2")
		assert.Contains(t, query, "ORDER BY "+models.OrderClause(models.TimebaseCanonical))
	})

	t.Run("identity filter extends every subquery", func(t *testing.T) {
		q := base
		q.Identity = models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"}
		query, args := buildWindowQuery(q)
		require.Len(t, args, 6)
		assert.Equal(t, 5, strings.Count(query, "system_id = $4"))
	})

	t.Run("message type filter narrows structured lanes only", func(t *testing.T) {
		q := base
		q.MessageTypes = []string{"reading", "status"}
		query, args := buildWindowQuery(q)
		require.Len(t, args, 5)
		assert.Equal(t, "reading", args[3])
		assert.Equal(t, "status", args[4])

		// Four structured subqueries carry the predicate; the raw subquery
		// (the last one) does not.
		assert.Equal(t, 4, strings.Count(query, "message_type IN ($4, $5)"))
		assert.NotContains(t, query[strings.Index(query, "FROM raw_events"):], "message_type IN")
	})

	t.Run("message type placeholders follow the identity filter", func(t *testing.T) {
		q := base
		q.Identity = models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"}
		q.MessageTypes = []string{"reading"}
		query, args := buildWindowQuery(q)
		require.Len(t, args, 7)
		assert.Equal(t, 4, strings.Count(query, "message_type IN ($7)"))
	})

	t.Run("limit is appended after the order clause", func(t *testing.T) {
		q := base
		q.Limit = 500
		query, _ := buildWindowQuery(q)
		assert.True(t, strings.HasSuffix(query, "LIMIT 500"))
	})
}

func TestBuildIngestOrderQuery(t *testing.T) {
	query := buildIngestOrderQuery(nil, 1000)
	assert.Contains(t, query, "JOIN event_ids ids ON ids.event_id = lanes.event_id")
	assert.Contains(t, query, "ids.seq > $4")
	assert.Contains(t, query, "ORDER BY ids.seq")
	assert.True(t, strings.HasSuffix(query, "LIMIT 1000"))
	for _, table := range laneTables {
		assert.Contains(t, query, "FROM "+table)
	}
}

func TestLaneProjection(t *testing.T) {
	t.Run("raw pads structured columns", func(t *testing.T) {
		p := laneProjection(models.LaneRaw)
		assert.Contains(t, p, "'' AS message_type")
		assert.Contains(t, p, "NULL::jsonb AS payload")
		assert.Contains(t, p, "'raw' AS lane")
	})

	t.Run("structured lanes pad the frame column", func(t *testing.T) {
		p := laneProjection(models.LaneParsed)
		assert.Contains(t, p, "NULL::bytea AS frame")
		assert.Contains(t, p, "'parsed' AS lane")
		assert.NotContains(t, p, "'' AS message_type")
	})
}
