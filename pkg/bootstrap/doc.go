// Package bootstrap installs the package-management toolchain onto a
// freshly provisioned instance.
//
// Setup is idempotent and retried as a whole: early attempts routinely
// race the remote shell service coming up, so a failed attempt is not
// diagnosed, just repeated after a fixed wait until the attempt budget
// runs out.
package bootstrap
