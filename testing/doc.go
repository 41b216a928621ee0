// Package testing holds shared test constants. The fakeapi subpackage provides
// an in-process production API for client and CLI tests.
package testing
