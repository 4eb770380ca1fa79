// Package log provides structured logging built on zerolog, with child
// logger helpers for the fields used throughout the controller.
package log
