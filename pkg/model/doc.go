// Package model provides type-safe Go definitions for the gitswarm
// coordination state. Every entity the governance engine persists -
// agents, repositories, streams, reviews, tasks, councils, activity -
// is defined here with its lifecycle enums and validation rules.
//
// The same types are used by the embedded (single-process) deployment
// and the client/server deployment, so wire and storage representations
// never diverge.
package model
