// Package domain defines core data models and interfaces shared across murmur.
// It contains plain types (identifiers, events, errors) and contracts
// (interfaces) only; concrete transports and crypto live elsewhere.
package domain
