package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/catalog"
	"github.com/ext-cluster/cluster/frames"
)

// ShardRegistration is the broker side record of a connected worker shard.
type ShardRegistration struct {
	Conn      *Conn
	Endpoints []string
}

// fanoutMember pairs a per-shard correlation UUID with the fan-out job it
// belongs to.
type fanoutMember struct {
	jobID      string
	waitFinish bool
}

// FanoutJob collects the responses of one fan-out dispatch. The member set
// and the expected cardinality are frozen when the job is created; shards
// registering mid-flight are not added.
type FanoutJob struct {
	expected   int
	waitFinish bool

	mu      sync.Mutex
	results map[string]frames.FanoutResult
	done    chan struct{}
}

func newFanoutJob(expected int, waitFinish bool) (job *FanoutJob) {
	job = &FanoutJob{
		expected:   expected,
		waitFinish: waitFinish,
		results:    make(map[string]frames.FanoutResult),
		done:       make(chan struct{}),
	}

	if expected == 0 {
		close(job.done)
	}
	return
}

// record stores one shard's result and settles the job once every frozen
// member has been accounted for. Duplicate identifiers are ignored.
func (job *FanoutJob) record(identifier string, result frames.FanoutResult) {
	job.mu.Lock()
	defer job.mu.Unlock()

	if _, ok := job.results[identifier]; ok {
		return
	}
	job.results[identifier] = result

	if len(job.results) >= job.expected {
		select {
		case <-job.done:
		default:
			close(job.done)
		}
	}
}

func (job *FanoutJob) snapshot() (results map[string]frames.FanoutResult) {
	job.mu.Lock()
	defer job.mu.Unlock()

	results = make(map[string]frames.FanoutResult, len(job.results))
	for identifier, result := range job.results {
		results[identifier] = result
	}
	return
}

// Manager owns the shard registry, the pending waiter tables and the fan-out
// jobs. All tables are guarded by a single mutex which is never held across
// network or catalog I/O.
type Manager struct {
	mu sync.Mutex

	// shards maps bot id -> identifier -> registration
	shards map[string]map[string]*ShardRegistration

	// waiters maps a unicast correlation UUID to the requester connection
	// awaiting the response
	waiters map[string]*Conn

	// fanoutWaiters maps a per-shard correlation UUID to its fan-out job
	fanoutWaiters map[string]fanoutMember

	// fanoutJobs maps a fan-out id to its partial results
	fanoutJobs map[string]*FanoutJob

	catalog catalog.Store
	log     zerolog.Logger

	// produce receives shard lifecycle stream events, nil when streaming
	// is disabled. produceMu orders late publishes against closeProduce:
	// connection loops on hijacked websockets can outlive Close.
	produce       chan StreamEvent
	produceMu     sync.RWMutex
	produceClosed bool
}

// NewManager creates an empty manager backed by the given catalog store.
func NewManager(store catalog.Store, logger zerolog.Logger, produce chan StreamEvent) (m *Manager) {
	m = &Manager{
		shards:        make(map[string]map[string]*ShardRegistration),
		waiters:       make(map[string]*Conn),
		fanoutWaiters: make(map[string]fanoutMember),
		fanoutJobs:    make(map[string]*FanoutJob),
		catalog:       store,
		log:           logger,
		produce:       produce,
	}
	return
}

func (m *Manager) publish(eventType string, data interface{}) {
	if m.produce == nil {
		return
	}

	m.produceMu.RLock()
	defer m.produceMu.RUnlock()

	if m.produceClosed {
		return
	}

	select {
	case m.produce <- StreamEvent{Type: eventType, Data: data}:
	default:
		m.log.Warn().Str("type", eventType).Msg("produce channel full, dropping stream event")
	}
}

// closeProduce stops stream event production and lets ForwardProduce drain
// and exit. Publishes racing the close become no-ops.
func (m *Manager) closeProduce() {
	if m.produce == nil {
		return
	}

	m.produceMu.Lock()
	defer m.produceMu.Unlock()

	if m.produceClosed {
		return
	}
	m.produceClosed = true
	close(m.produce)
}

// initializeShard registers a worker connection under its identity. An empty
// declared endpoint list recovers the persisted snapshot; a non-empty list
// overwrites it. A duplicate identity is rejected and the new connection is
// closed, leaving the existing registration untouched.
func (m *Manager) initializeShard(conn *Conn, payload frames.InitializeShard) int {
	m.mu.Lock()
	bucket, ok := m.shards[conn.BotID]
	if ok {
		if _, exists := bucket[conn.Identifier]; exists {
			m.mu.Unlock()

			m.log.Warn().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("rejecting duplicate shard registration")
			conn.WriteJSON(frames.Control{Message: fmt.Sprintf("Shard with ID '%s' already exists!", conn.Identifier), Code: 500})
			conn.Close()
			return 500
		}
	} else {
		bucket = make(map[string]*ShardRegistration)
		m.shards[conn.BotID] = bucket
	}

	// Reserve the identity before touching the catalog so a concurrent
	// initialize with the same identity is rejected while we do disk I/O.
	registration := &ShardRegistration{Conn: conn}
	bucket[conn.Identifier] = registration
	m.mu.Unlock()

	endpoints := payload.Endpoints
	var err error

	if len(endpoints) == 0 {
		endpoints, err = m.catalog.Load(conn.BotID, conn.Identifier)
		if err != nil {
			m.removeRegistration(conn, true)

			m.log.Error().Err(err).Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("failed to recover endpoint snapshot")
			conn.WriteJSON(frames.Control{Message: "No endpoints are known for this shard!", Code: 500})
			conn.Close()
			return 500
		}
	} else {
		if err = m.catalog.Save(conn.BotID, conn.Identifier, endpoints); err != nil {
			m.removeRegistration(conn, true)

			m.log.Error().Err(err).Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("failed to persist endpoint snapshot")
			conn.WriteJSON(frames.Control{Message: "Failed to persist the endpoint list!", Code: 500})
			conn.Close()
			return 500
		}
	}

	m.mu.Lock()
	registration.Endpoints = endpoints
	m.mu.Unlock()

	m.log.Info().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Int("endpoints", len(endpoints)).Msg("shard registered")
	m.publish(EventShardConnect, ShardConnectEvent{
		BotID:      conn.BotID,
		Identifier: conn.Identifier,
		Endpoints:  endpoints,
		ClientID:   payload.ClientID,
	})

	conn.WriteJSON(frames.Control{Message: "Successfuly connected to the cluster!", Code: 200})
	return 200
}

// disconnectShard removes the registration if it belongs to this connection,
// deletes the persisted snapshot and closes the connection.
func (m *Manager) disconnectShard(conn *Conn) int {
	if !m.removeRegistration(conn, false) {
		conn.Close()
		return 500
	}

	// Best-effort: a missing snapshot is not an error.
	if err := m.catalog.Delete(conn.BotID, conn.Identifier); err != nil {
		m.log.Warn().Err(err).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("failed to delete endpoint snapshot")
	}

	m.log.Info().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("shard disconnected")
	m.publish(EventShardDisconnect, ShardDisconnectEvent{BotID: conn.BotID, Identifier: conn.Identifier})

	conn.Close()
	return 200
}

// dropConnection cleans up after a worker connection that closed without an
// explicit disconnect_shard. The persisted snapshot is retained so the shard
// can recover it on reconnect.
func (m *Manager) dropConnection(conn *Conn) {
	if m.removeRegistration(conn, true) {
		m.log.Info().Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("shard connection dropped")
		m.publish(EventShardDisconnect, ShardDisconnectEvent{BotID: conn.BotID, Identifier: conn.Identifier})
	}
}

// removeRegistration removes the registration owned by this connection.
// Returns false when the identity is registered to a different connection or
// not registered at all. An explicit disconnect keeps the empty bot bucket
// around so a fan-out against the bot still resolves, while a dropped
// connection prunes it.
func (m *Manager) removeRegistration(conn *Conn, prune bool) (removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.shards[conn.BotID]
	if !ok {
		return
	}

	registration, ok := bucket[conn.Identifier]
	if !ok || registration.Conn != conn {
		return
	}

	delete(bucket, conn.Identifier)
	if prune && len(bucket) == 0 {
		delete(m.shards, conn.BotID)
	}

	removed = true
	return
}

// dropRequester removes any pending unicast waiters owned by a requester
// connection that closed. Responses that arrive later are treated as orphans.
func (m *Manager) dropRequester(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, waiter := range m.waiters {
		if waiter == conn {
			delete(m.waiters, id)
		}
	}
}

// returnResponse correlates a worker response with its waiter. Fan-out
// members are recorded against their job, unicast responses are forwarded
// verbatim to the waiting requester and unknown UUIDs are dropped with a
// warning.
func (m *Manager) returnResponse(conn *Conn, frame frames.Frame) {
	m.mu.Lock()

	if member, ok := m.fanoutWaiters[frame.UUID]; ok {
		delete(m.fanoutWaiters, frame.UUID)
		job := m.fanoutJobs[member.jobID]
		m.mu.Unlock()

		if member.waitFinish && job != nil {
			job.record(frame.Identifier, frames.FanoutResult{Response: frame.Response})
		}
		return
	}

	if waiter, ok := m.waiters[frame.UUID]; ok {
		delete(m.waiters, frame.UUID)
		m.mu.Unlock()

		if err := waiter.WriteRaw(frame.Response); err != nil {
			m.log.Warn().Err(err).Int64("conn", waiter.ID).Str("uuid", frame.UUID).Msg("failed to forward response to requester")
		}
		return
	}

	m.mu.Unlock()
	m.log.Warn().Int64("conn", conn.ID).Str("uuid", frame.UUID).Msg("dropping response with no pending waiter")
}

// connectionTest replies to the requester liveness probe. It never changes
// broker state.
func (m *Manager) connectionTest(conn *Conn) {
	conn.WriteJSON(frames.Control{Message: "Successful connection", Code: 200})
}

// createRequest routes a unicast request to the registered shard named by
// the requester's identity. Validation failures reply with their code and
// close the session.
func (m *Manager) createRequest(conn *Conn, payload frames.CreateRequest) int {
	m.mu.Lock()
	bucket, ok := m.shards[conn.BotID]
	if !ok {
		m.mu.Unlock()

		conn.WriteJSON(frames.Control{Message: fmt.Sprintf("Bot with ID '%s' doesn't exists!", conn.BotID), Code: 404})
		conn.Close()
		return 404
	}

	registration, ok := bucket[conn.Identifier]
	if !ok {
		m.mu.Unlock()

		conn.WriteJSON(frames.Control{Message: fmt.Sprintf("Shard with ID '%s' doesn't exists!", conn.Identifier), Code: 404})
		conn.Close()
		return 404
	}

	target := registration.Conn
	known := belongsToList(registration.Endpoints, payload.Endpoint)
	m.mu.Unlock()

	if !known {
		conn.WriteJSON(frames.UnknownEndpoint())
		conn.Close()
		return 404
	}

	id := uuid.New().String()

	m.mu.Lock()
	m.waiters[id] = conn
	m.mu.Unlock()

	err := target.WriteJSON(frames.Dispatch{
		Endpoint:   payload.Endpoint,
		Data:       payload.Kwargs,
		UUID:       id,
		Identifier: conn.Identifier,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()

		m.log.Error().Err(err).Int64("conn", conn.ID).Str("bot", conn.BotID).Str("shard", conn.Identifier).Msg("failed to dispatch request to shard")
		conn.Close()
		return 500
	}

	m.log.Debug().Int64("conn", conn.ID).Str("uuid", id).Str("endpoint", payload.Endpoint).Msg("request dispatched")
	return 200
}

// createRequestAllShards dispatches a request to every registered shard of
// the bot, freezing the member set at dispatch time. When the payload asks
// to wait, the call suspends until every frozen member has a recorded
// result and replies with the aggregated mapping; otherwise it acknowledges
// immediately and later responses for the job are discarded.
func (m *Manager) createRequestAllShards(conn *Conn, payload frames.CreateRequest) int {
	m.mu.Lock()
	bucket, ok := m.shards[conn.BotID]
	if !ok {
		m.mu.Unlock()

		conn.WriteJSON(frames.Control{Message: fmt.Sprintf("Bot with ID '%s' doesn't exists!", conn.BotID), Code: 404})
		conn.Close()
		return 404
	}

	// The endpoint is only validated against an arbitrary shard's set, as
	// shards of one bot are expected to export the same endpoints.
	for _, registration := range bucket {
		if !belongsToList(registration.Endpoints, payload.Endpoint) {
			m.mu.Unlock()

			conn.WriteJSON(frames.Control{Message: "Unknown endpoint!", Code: 404})
			conn.Close()
			return 404
		}
		break
	}

	members := make(map[string]*Conn, len(bucket))
	for identifier, registration := range bucket {
		members[identifier] = registration.Conn
	}

	jobID := uuid.New().String()
	job := newFanoutJob(len(members), payload.WaitFinish)
	m.fanoutJobs[jobID] = job
	m.mu.Unlock()

	ids := make([]string, 0, len(members))
	for identifier, target := range members {
		id := uuid.New().String()
		ids = append(ids, id)

		m.mu.Lock()
		m.fanoutWaiters[id] = fanoutMember{jobID: jobID, waitFinish: payload.WaitFinish}
		m.mu.Unlock()

		err := target.WriteJSON(frames.Dispatch{
			Endpoint:   payload.Endpoint,
			Data:       payload.Kwargs,
			UUID:       id,
			Identifier: identifier,
		})
		if err != nil {
			m.mu.Lock()
			delete(m.fanoutWaiters, id)
			m.mu.Unlock()

			m.log.Warn().Err(err).Str("bot", conn.BotID).Str("shard", identifier).Msg("failed to dispatch fan-out request to shard")
			if payload.WaitFinish {
				job.record(identifier, frames.FanoutResult{})
			}
		}
	}

	if !payload.WaitFinish {
		// Nothing consumes the responses of a fire-and-forget job; drop the
		// member waiters now rather than leaking them until the broker
		// exits. Responses arriving later are treated as orphans.
		m.mu.Lock()
		for _, id := range ids {
			delete(m.fanoutWaiters, id)
		}
		delete(m.fanoutJobs, jobID)
		m.mu.Unlock()

		conn.WriteJSON(frames.Control{Message: "The requests were sent.", Code: 200})
		return 200
	}

	<-job.done

	m.mu.Lock()
	delete(m.fanoutJobs, jobID)
	m.mu.Unlock()

	conn.WriteJSON(frames.FanoutReply{
		Message: "The requests have been made.",
		Data:    job.snapshot(),
		Code:    200,
	})
	return 200
}

// belongsToList checks if string is in list.
func belongsToList(list []string, lookup string) bool {
	for _, val := range list {
		if val == lookup {
			return true
		}
	}
	return false
}
