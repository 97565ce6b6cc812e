// Package events defines the typed task lifecycle events and the
// in-process bus that fans them out to observers.
//
// The bus decouples the scheduler from its observers: publishing never
// blocks, and a slow subscriber only loses its own oldest buffered
// events. Per-task emission order is preserved for each subscriber;
// ordering across different tasks is not guaranteed.
package events
