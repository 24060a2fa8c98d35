// Package crawler defines the fetch contract shared by the request pipeline,
// the base fetchers and the commands that drive them.
package crawler
