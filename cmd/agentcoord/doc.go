// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
agentcoord is the coordination server binary.

The serve command wires the capability registry, node selector, conflict
resolution engine and learning subsystem behind the HTTP API, with a
separate listener for Prometheus metrics. A configured database backs the
registry directory and the outcome history; Redis, when selected, backs
the prediction cache. Votes are collected from websocket voters listed in
voting.endpoints.

The voter command runs a standalone websocket voter that picks the
candidate with the highest aggregate score. The migrate command manages
the schema through golang-migrate.
*/
package main
