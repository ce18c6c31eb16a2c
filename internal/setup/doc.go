// Package setup holds the boot configuration: the fixed paths, interface
// candidates and key locations the boot sequence works with, plus the optional
// YAML file that overrides them for a particular image.
//
// This package is essentially a collection of constants and defaults, and is therefore the only package that is
// allowed to call a global logger.
package setup
