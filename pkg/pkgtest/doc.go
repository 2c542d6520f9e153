// Package pkgtest selects and installs a package on a bootstrapped
// instance and classifies the result.
//
// Classification is output-driven: the install tool prints only
// predictable noise on a clean install, so the raw transcript is run
// through an ordered list of removal rules and any surviving line is
// treated as a genuine problem report. An install counts as successful
// only when the exit status is zero and nothing survives filtering.
package pkgtest
