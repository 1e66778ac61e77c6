// Package mysql provides repositories backed by MySQL. It encapsulates the
// embedded schema migrations and the transactional queries that keep escrow
// records consumable exactly once.
package mysql
