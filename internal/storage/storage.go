// Package storage provides the widget's persisted client state: tenant
// id, conversation id, auth token, sender id, and one-shot flags that
// must survive a page reload. Two interchangeable strategies exist,
// a non-expiring SQLite store and an expiring file store, selected at
// configuration time. Structured domain data (the transcript itself)
// deliberately does not live here; it is re-fetched from the backend.
package storage

// Store is the persistence strategy capability the widget is
// parameterized by. A missing key reads as ("", nil), never an error.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}
