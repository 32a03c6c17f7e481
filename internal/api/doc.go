// Package api exposes the crew task lifecycle over HTTP: submission, status
// polling, live log streaming and a few operational endpoints.
package api
