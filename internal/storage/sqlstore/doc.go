// Package sqlstore persists the marketplace state in MySQL or PostgreSQL.
// It provides the agent directory, ledger, settlement journal and pipeline
// run stores, plus embedded schema migrations. Queries are written with "?"
// placeholders and rebound for the PostgreSQL driver.
package sqlstore
