// Package pgnotify bridges PostgreSQL LISTEN/NOTIFY into Go channels.
//
// Notifications are only ever a hint that rows changed: subscribers must be
// able to recover from dropped or duplicated notifications by reading the
// tables they care about.
package pgnotify
