// Package model implements the in-memory cluster data model consumed by
// strategies. The model is a typed graph of compute, storage, and bare
// metal elements with their hosting relations. Collectors build a fresh
// model and swap it in atomically; strategies work on deep copies so
// plan synthesis never mutates the live graph.
package model
