// Package config parses and validates Margo's JSON configuration document:
// pool/execution-stream topology, progress-loop timing, handle cache size,
// and transport selection.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"encoding/json"

	"github.com/mochi-hpc/margo-go/cmn/cos"
)

// PoolSpec describes one Argobots pool entry in the "argobots.pools" array.
type PoolSpec struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`   // "fifo", "fifo_wait", "prio_wait", "randws", "external"
	Access string `json:"access"` // "private", "spsc", "mpsc", "spmc", "mpmc"
}

// ESSpec describes one execution stream entry in "argobots.xstreams".
type ESSpec struct {
	Name  string   `json:"name"`
	Pools []string `json:"pools"`
}

// Argobots is the "argobots" block of the document.
type Argobots struct {
	Pools   []PoolSpec `json:"pools"`
	XStreams []ESSpec  `json:"xstreams"`
}

// Transport is the transport-selection sub-document.
type Transport struct {
	Class       string `json:"class"` // "loopback" or "tcp"
	Address     string `json:"address,omitempty"`
	Compression bool   `json:"compression,omitempty"`
}

// Document is the top-level Margo configuration document (spec §6.3).
type Document struct {
	ProgressPool          string    `json:"progress_pool,omitempty"`
	RPCPool               string    `json:"rpc_pool,omitempty"`
	ProgressTimeoutUBMsec  int       `json:"progress_timeout_ub_msec"`
	ProgressSpindownMsec  int       `json:"progress_spindown_msec"`
	HandleCacheSize       int       `json:"handle_cache_size"`
	Argobots              Argobots  `json:"argobots"`
	Transport             Transport `json:"mercury"`
}

var validKinds = map[string]bool{
	"fifo": true, "fifo_wait": true, "prio_wait": true, "randws": true, "external": true,
}
var validAccess = map[string]bool{
	"private": true, "spsc": true, "mpsc": true, "spmc": true, "mpmc": true,
}
var validTransportClasses = map[string]bool{"loopback": true, "tcp": true}

// Default returns the document's built-in defaults -- a single
// __primary__ pool/ES pair, a 1ms progress-loop spindown, a 16-entry handle
// cache, and the loopback transport -- matching what Init uses if no
// document is supplied.
func Default() *Document {
	return &Document{
		ProgressTimeoutUBMsec: 100,
		ProgressSpindownMsec:  1,
		HandleCacheSize:       16,
		Transport:             Transport{Class: "loopback"},
	}
}

// Parse decodes a JSON configuration document and validates it, returning a
// *cos.Err naming the offending field on any problem -- configuration
// errors abort initialization before any substrate is built (spec §7).
func Parse(data []byte) (*Document, error) {
	doc := Default()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, cos.WrapErr(cos.KindInvalidArgument, err, "malformed configuration document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks enum values, duplicate names, and dangling pool
// references, the same class of check margo-abt-config.c's
// CONFIG_IS_IN_ENUM_STRING/ASSERT_CONFIG_HAS_OPTIONAL macros perform.
func (d *Document) Validate() error {
	if d.ProgressTimeoutUBMsec < 0 {
		return cos.NewErr(cos.KindInvalidArgument, "progress_timeout_ub_msec must be >= 0")
	}
	if d.ProgressSpindownMsec < 0 {
		return cos.NewErr(cos.KindInvalidArgument, "progress_spindown_msec must be >= 0")
	}
	if d.HandleCacheSize < 0 {
		return cos.NewErr(cos.KindInvalidArgument, "handle_cache_size must be >= 0")
	}
	if d.Transport.Class != "" && !validTransportClasses[d.Transport.Class] {
		return cos.NewErr(cos.KindInvalidArgument, "mercury.class: unknown transport class %q", d.Transport.Class)
	}

	seenPools := make(map[string]bool, len(d.Argobots.Pools))
	for _, p := range d.Argobots.Pools {
		if p.Name == "" {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.pools: entry missing name")
		}
		if seenPools[p.Name] {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.pools: duplicate pool name %q", p.Name)
		}
		seenPools[p.Name] = true
		if p.Kind != "" && !validKinds[p.Kind] {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.pools[%s]: unknown kind %q", p.Name, p.Kind)
		}
		if p.Access != "" && !validAccess[p.Access] {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.pools[%s]: unknown access class %q", p.Name, p.Access)
		}
	}

	seenES := make(map[string]bool, len(d.Argobots.XStreams))
	for _, x := range d.Argobots.XStreams {
		if x.Name == "" {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.xstreams: entry missing name")
		}
		if seenES[x.Name] {
			return cos.NewErr(cos.KindInvalidArgument, "argobots.xstreams: duplicate execution stream name %q", x.Name)
		}
		seenES[x.Name] = true
		for _, pn := range x.Pools {
			if pn == "__primary__" || seenPools[pn] {
				continue
			}
			return cos.NewErr(cos.KindInvalidArgument, "argobots.xstreams[%s]: dangling reference to pool %q", x.Name, pn)
		}
	}

	if d.ProgressPool != "" && d.ProgressPool != "__primary__" && !seenPools[d.ProgressPool] {
		return cos.NewErr(cos.KindInvalidArgument, "progress_pool: dangling reference to pool %q", d.ProgressPool)
	}
	if d.RPCPool != "" && d.RPCPool != "__primary__" && !seenPools[d.RPCPool] {
		return cos.NewErr(cos.KindInvalidArgument, "rpc_pool: dangling reference to pool %q", d.RPCPool)
	}
	return nil
}
