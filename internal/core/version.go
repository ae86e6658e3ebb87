package core

// Version is stamped into X-Mailman-Version and filter headers. Release
// builds set it with -ldflags "-X github.com/infodancer/listd/internal/core.Version=...".
var Version = "0.1.0"
