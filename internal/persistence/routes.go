package persistence

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrRouteNotFound is returned when a session has no recorded route.
var ErrRouteNotFound = errors.New("route not found")

// PutRoute records the last known outbound destination for a session.
func (s *Store) PutRoute(r Route) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).Put([]byte(r.SessionID), data)
	})
}

// GetRoute loads a session's route. Returns ErrRouteNotFound if absent.
func (s *Store) GetRoute(sessionID string) (Route, error) {
	var r Route
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoutes).Get([]byte(sessionID))
		if data == nil {
			return ErrRouteNotFound
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// ListRoutes returns all recorded routes, sorted by session ID.
func (s *Store) ListRoutes() ([]Route, error) {
	var routes []Route
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).ForEach(func(_, data []byte) error {
			var r Route
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			routes = append(routes, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].SessionID < routes[j].SessionID
	})
	return routes, nil
}
