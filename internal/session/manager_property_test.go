package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/protocol"
)

// rosterOp is one randomly generated inbound event.
type rosterOp struct {
	kind   string // join, leave, update, cursor
	userID string
}

func genRosterOp() gopter.Gen {
	userIDs := gen.OneConstOf("u1", "u2", "u3", "u4", "u5")
	kinds := gen.OneConstOf("join", "leave", "update", "cursor")
	return gopter.CombineGens(kinds, userIDs).Map(func(vals []interface{}) rosterOp {
		return rosterOp{kind: vals[0].(string), userID: vals[1].(string)}
	})
}

func applyOps(t *testing.T, ft *fakeTransport, ops []rosterOp) {
	t.Helper()
	for _, op := range ops {
		switch op.kind {
		case "join":
			ft.emitJoin(op.userID, "User "+op.userID)
		case "leave":
			ft.emitLeave(op.userID)
		case "update":
			ft.emitStatus(op.userID, model.PresenceStatusAway)
		case "cursor":
			ft.emitCollab(t, protocol.CollabEventCursor, op.userID, model.CursorPosition{X: 1, Y: 2})
		}
	}
}

// Property: after any event sequence, the roster contains exactly the ids
// whose most recent join is not followed by a leave, and never the local
// user. Membership is reconstructible from the event log alone.
func TestRosterMembershipProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("roster equals surviving joins, excluding the local user", prop.ForAll(
		func(ops []rosterOp) bool {
			m, ft := newTestManager(t, Config{UserID: "u1"})
			defer m.Close()
			applyOps(t, ft, ops)

			// Reference model: replay joins/leaves only.
			want := make(map[string]bool)
			for _, op := range ops {
				if op.userID == "u1" {
					continue
				}
				switch op.kind {
				case "join":
					want[op.userID] = true
				case "leave":
					delete(want, op.userID)
				}
			}

			users := m.Users()
			if len(users) != len(want) {
				return false
			}
			for _, u := range users {
				if u.ID == "u1" || !want[u.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRosterOp()),
	))

	properties.Property("join then leave always removes the id, regardless of interleaved updates", prop.ForAll(
		func(middle []rosterOp) bool {
			m, ft := newTestManager(t, Config{UserID: "u1"})
			defer m.Close()

			ft.emitJoin("target", "Target")
			// Interleaved activity for the same id must not resurrect it.
			for _, op := range middle {
				op.userID = "target"
				if op.kind == "join" || op.kind == "leave" {
					op.kind = "cursor"
				}
				applyOps(t, ft, []rosterOp{op})
			}
			ft.emitLeave("target")

			for _, u := range m.Users() {
				if u.ID == "target" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRosterOp()),
	))

	properties.Property("events without a prior join never create ghost entries", prop.ForAll(
		func(ops []rosterOp) bool {
			m, ft := newTestManager(t, Config{UserID: "u1"})
			defer m.Close()

			for _, op := range ops {
				if op.kind == "join" {
					op.kind = "update"
				}
				applyOps(t, ft, []rosterOp{op})
			}
			return len(m.Users()) == 0
		},
		gen.SliceOf(genRosterOp()),
	))

	properties.Property("collaborator colors are deterministic per id", prop.ForAll(
		func(id string) bool {
			return model.ColorFor(id) == model.ColorFor(id)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: for the same id, the cursor field always reflects the most
// recent cursor event.
func TestCursorLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("final cursor equals last emitted position", prop.ForAll(
		func(xs []float64) bool {
			if len(xs) == 0 {
				return true
			}
			m, ft := newTestManager(t, Config{UserID: "u1"})
			defer m.Close()
			ft.emitJoin("u2", "Sarah")

			for _, x := range xs {
				ft.emitCollab(t, protocol.CollabEventCursor, "u2", model.CursorPosition{X: x, Y: -x})
			}

			users := m.Users()
			last := xs[len(xs)-1]
			return len(users) == 1 && users[0].Cursor != nil &&
				users[0].Cursor.X == last && users[0].Cursor.Y == -last
		},
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
	))

	properties.TestingRun(t)
}
