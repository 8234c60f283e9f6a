// Package mocks provides mock implementations for testing the sandstorm orchestrator.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our port interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, Transition, BindSandbox, ClaimTeardown, AcceptProgress, Stats
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/target/sandstorm/internal/core JobRepository

// Generate mock for SweeperRepository interface from internal/core package.
// This creates MockSweeperRepository with methods for all SweeperRepository interface methods:
// FindExpired, FindOrphanedSandboxes, DeleteOldJobs
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=sweeper_repository_mock.go github.com/target/sandstorm/internal/core SweeperRepository

// Generate mock for SandboxProvisioner interface from internal/core package.
// This creates MockSandboxProvisioner with methods for all SandboxProvisioner interface methods:
// Provision, Teardown
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=sandbox_provisioner_mock.go github.com/target/sandstorm/internal/core SandboxProvisioner

// Generate mock for RunnerLauncher interface from internal/core package.
// This creates MockRunnerLauncher with methods for all RunnerLauncher interface methods:
// Launch
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=runner_launcher_mock.go github.com/target/sandstorm/internal/core RunnerLauncher

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, Delete, SetIfNotExists
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/target/sandstorm/internal/core CacheRepository
