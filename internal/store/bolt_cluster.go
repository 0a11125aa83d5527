package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// SaveAgent upserts an agent record, keyed by its id.
func (s *Store) SaveAgent(a cluster.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterAgents).Put([]byte(a.ID), data)
	})
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(id string) (cluster.Agent, bool, error) {
	var a cluster.Agent
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClusterAgents).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &a)
	})
	return a, found, err
}

// GetAgentByServerID scans for the agent whose ServerID matches serverID.
// Agents are few enough (homelab fleet scale) that a linear scan is fine; no
// secondary index is maintained.
func (s *Store) GetAgentByServerID(serverID string) (cluster.Agent, bool, error) {
	var match cluster.Agent
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterAgents)
		return b.ForEach(func(_, v []byte) error {
			if found {
				return nil
			}
			var a cluster.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ServerID == serverID {
				match = a
				found = true
			}
			return nil
		})
	})
	return match, found, err
}

// ListAgents returns every persisted agent record.
func (s *Store) ListAgents() ([]cluster.Agent, error) {
	var agents []cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterAgents)
		return b.ForEach(func(_, v []byte) error {
			var a cluster.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, a)
			return nil
		})
	})
	return agents, err
}

// DeleteAgent removes an agent's record. Not an error if it doesn't exist.
func (s *Store) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterAgents).Delete([]byte(id))
	})
}

// SaveRegistrationCode persists a single-use enrollment code, keyed by its id.
func (s *Store) SaveRegistrationCode(c cluster.RegistrationCode) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal registration code: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterRegCodes).Put([]byte(c.ID), data)
	})
}

// ConsumeRegistrationCode atomically looks up a registration code by its
// plaintext value (what the agent presents during the register handshake)
// and marks it used, all inside one write transaction. Returns false when
// the code does not exist, was already used, or expired before now, so a
// second concurrent register attempt with the same code can never pass.
func (s *Store) ConsumeRegistrationCode(code string, now time.Time) (cluster.RegistrationCode, bool, error) {
	var match cluster.RegistrationCode
	consumed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterRegCodes)

		var key []byte
		var rc cluster.RegistrationCode
		if err := b.ForEach(func(k, v []byte) error {
			if key != nil {
				return nil
			}
			var cand cluster.RegistrationCode
			if err := json.Unmarshal(v, &cand); err != nil {
				return err
			}
			if cand.Code == code {
				key = append([]byte(nil), k...)
				rc = cand
			}
			return nil
		}); err != nil {
			return err
		}

		if key == nil || rc.Used || now.After(rc.ExpiresAt) {
			return nil
		}

		rc.Used = true
		data, err := json.Marshal(rc)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		match = rc
		consumed = true
		return nil
	})
	return match, consumed, err
}
