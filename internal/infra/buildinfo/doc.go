// Package buildinfo reports the version of the running chatmesh binary.
//
// Release builds inject values via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/chatmesh-go/internal/infra/buildinfo.Version=v1.0.0 \
//	  -X github.com/yndnr/chatmesh-go/internal/infra/buildinfo.Commit=$(git rev-parse --short HEAD)"
//
// Values not injected fall back to the module build information embedded by
// the Go toolchain.
package buildinfo
