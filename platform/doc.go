// Package platform defines the sandbox platform abstraction layer used by
// the taskjail executor. Platform packages such as platform/linux register
// themselves with Register; Detect returns the registered implementation.
package platform
