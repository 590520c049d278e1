// Command balance-monitor queries account balances and keeps the last known
// value of each account.
//
// Usage:
//
//	balance-monitor run              # one cycle, print a table
//	balance-monitor serve            # periodic cycles plus HTTP status
//	balance-monitor status           # cached balances only
//	balance-monitor accounts add alice --api-key sk-...   # password on stdin
//	balance-monitor accounts remove bob --purge
//	balance-monitor accounts migrate credentials.txt accounts.toml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
