/*
Package manager implements the ontology store's cluster manager node.

A cluster consists of one or more manager nodes that form a Raft quorum
over the Commit Store, Branch Registry, and Lock Manager. Commits, branch
changes and lock acquire/heartbeat/release calls made through Manager are
proposed as a replica.Command and applied in the same order on every
replica; the lock sweeper and the shadow index coordinator's switch-time
lock act on the local store directly. Reads against the commit store,
branch registry, and shadow index coordinator bypass consensus entirely
and are served directly from the local BoltDB-backed store.

# Architecture

	┌─────────────────────── MANAGER NODE ───────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │              Manager                          │          │
	│  │  - exposes CreateResource/GetDelta/... (§6)   │          │
	│  │  - proposes replica.Commands over raft         │          │
	│  │  - runs the lock sweeper and outbox publisher  │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │          Raft Consensus Layer (replica.FSM)    │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │        BoltDB-backed storage.Store             │          │
	│  └────────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────────┘

Joining the cluster is a two-step handshake: the joining node calls
Manager.IssueJoinToken against the current leader out of band, then
presents that token to Manager.AddVoter; AddVoter rejects an expired or
unknown token before touching raft's configuration.
*/
package manager
