// Package logx is jobweave's logging front end over zerolog.
//
// A Logger obtained from a Service follows Service.Apply, so components keep
// their logger across config reloads and pick up new levels and sinks
// without being rebuilt.
package logx
