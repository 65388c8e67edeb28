package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nova-io/nova/pkg/models"
)

// laneTables maps each lane to its table. The schema is uniform across
// tables for the envelope columns; lane-specific columns (frame, payload,
// view_id, command_id) only appear in lane-specific statements.
var laneTables = map[models.Lane]string{
	models.LaneMetadata: "metadata_events",
	models.LaneCommand:  "command_events",
	models.LaneUI:       "ui_events",
	models.LaneParsed:   "parsed_events",
	models.LaneRaw:      "raw_events",
}

// selectColumns is the uniform projection shared by every lane subquery so
// they can be combined with UNION ALL and scanned by one row reader.
const selectColumns = `event_id, scope_id, lane, system_id, container_id, unique_id,
source_time, canonical_time, lane_priority, connection_id, sequence,
message_type, schema_version, payload, frame`

// laneProjection renders the SELECT list for one lane table, padding the
// columns the table does not have so every subquery is UNION-compatible.
func laneProjection(lane models.Lane) string {
	var msgType, schemaVer, payload, frame string
	if lane == models.LaneRaw {
		msgType = "'' AS message_type"
		schemaVer = "0 AS schema_version"
		payload = "NULL::jsonb AS payload"
		frame = "frame"
	} else {
		msgType = "message_type"
		schemaVer = "schema_version"
		payload = "payload"
		frame = "NULL::bytea AS frame"
	}
	return fmt.Sprintf(`event_id, scope_id, '%s' AS lane, system_id, container_id, unique_id,
source_time, canonical_time, lane_priority, connection_id, sequence,
%s, %s, %s, %s`, lane, msgType, schemaVer, payload, frame)
}

// buildWindowQuery compiles a WindowQuery into one UNION ALL statement over
// the selected lane tables, ordered by the single ordering tuple. Positional
// arguments are shared across subqueries:
//
//	$1 scope, $2 window start, $3 window end,
//	$4..$6 identity triple (only when filtered).
func buildWindowQuery(q WindowQuery) (string, []any) {
	lanes := q.Lanes
	if len(lanes) == 0 {
		lanes = models.Lanes
	}

	timeCol := q.Timebase.Column()
	args := []any{q.ScopeID, q.Start, q.End}

	where := fmt.Sprintf("scope_id = $1 AND %s >= $2 AND %s < $3", timeCol, timeCol)
	if !q.Identity.Empty() {
		where += " AND system_id = $4 AND container_id = $5 AND unique_id = $6"
		args = append(args, q.Identity.SystemID, q.Identity.ContainerID, q.Identity.UniqueID)
	}

	// The raw lane has no message_type column, so the type filter only
	// narrows the structured subqueries.
	var typePred string
	if len(q.MessageTypes) > 0 {
		placeholders := make([]string, len(q.MessageTypes))
		for i, mt := range q.MessageTypes {
			args = append(args, mt)
			placeholders[i] = "$" + strconv.Itoa(len(args))
		}
		typePred = " AND message_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	subs := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		laneWhere := where
		if lane != models.LaneRaw {
			laneWhere += typePred
		}
		subs = append(subs, fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			laneProjection(lane), laneTables[lane], laneWhere))
	}

	query := "SELECT " + selectColumns + " FROM (\n" +
		strings.Join(subs, "\nUNION ALL\n") +
		"\n) AS lanes ORDER BY " + models.OrderClause(q.Timebase)
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return query, args
}

// buildIngestOrderQuery compiles the export read: every committed event in
// the canonical-time window, in global commit order. The event_ids join
// recovers the commit sequence that the lane tables do not carry.
func buildIngestOrderQuery(lanes []models.Lane, limit int) string {
	if len(lanes) == 0 {
		lanes = models.Lanes
	}
	subs := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		subs = append(subs, fmt.Sprintf("SELECT %s FROM %s WHERE scope_id = $1 AND canonical_time >= $2 AND canonical_time < $3",
			laneProjection(lane), laneTables[lane]))
	}
	query := "SELECT ids.seq, " + prefixColumns("lanes", selectColumns) + " FROM (\n" +
		strings.Join(subs, "\nUNION ALL\n") +
		"\n) AS lanes JOIN event_ids ids ON ids.event_id = lanes.event_id" +
		" WHERE ids.seq > $4 ORDER BY ids.seq"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}
	return query
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias, preserving AS-free names only (selectColumns has no aliases).
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
