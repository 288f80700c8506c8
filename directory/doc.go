// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package directory stores the node directory and performance outcomes.
//
// GormSource implements capability.DirectorySource and is what the registry
// refreshes from in production. GormOutcomeStore implements
// learning.OutcomeStore so outcome history survives restarts. Both share a
// database.PoolManager; the tables are created by internal/migration.
//
// MongoOutcomeStore is the document-store alternative for outcome history,
// selected with learning.outcome_store: mongo.
package directory
