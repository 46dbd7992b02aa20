// Package app composes the custody services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/account/     # Custody record and lifecycle states
//	├── events/             # Lifecycle event hub
//	├── storage/            # AccountStore interface
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/
//	│   ├── custody/        # Key-custody facade over the ledger
//	│   └── accounts/       # Docking and undocking state machine
//	├── httpapi/            # HTTP and websocket surface
//	├── metrics/            # Prometheus collectors
//	├── system/             # Service lifecycle manager
//	└── runtime/            # Process wiring from configuration
//
// # Dependency Direction
//
//	cmd/custodyd/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │                        │
//	      ▼                        ▼
//	internal/app (composition) ◄───┘
//	      │
//	      ├──► services/accounts ──► services/custody ──► internal/chain/near
//	      ├──► storage (memory, postgres) ──► internal/crypto
//	      └──► events, system
//
// Business rules live in services/. This package only wires them and
// manages start and stop order.
package app
