// Package domain holds the core types shared across the notification
// engine: delivery records and their jobs, tracking records and events,
// and the advisory view resolved from the external advisory store.
package domain
