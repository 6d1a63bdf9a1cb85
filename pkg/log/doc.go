/*
Package log provides structured logging for Roost built on zerolog.

Init configures a process-wide logger (console for interactive use,
JSON for machine collection); components take child loggers through
WithComponent, WithNodeID, and WithInstance so every line carries the
fields reconciliation debugging needs.
*/
package log
