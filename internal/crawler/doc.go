// Package crawler holds the domain model shared by every subsystem: sources,
// jobs and their status machine, downloaded images, indexed faces and proxy
// endpoints, plus the store, fetcher, queue and publisher contracts.
package crawler
