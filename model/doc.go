// Package model defines the core data types shared across the vectorizer
// storage and retrieval components.
package model
