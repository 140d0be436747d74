/*
Package heselect evaluates selection and aggregation queries over homomorphically encrypted records.
It hides the scale and level bookkeeping of approximate schemes behind a scheme-agnostic capability
interface, and derives comparisons, predicates and aggregates from additions and multiplications only,
reporting with every decrypted result an estimate of its error.
*/
package heselect
