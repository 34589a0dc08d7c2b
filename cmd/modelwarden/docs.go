package main

// General API documentation for swaggo. Run `swag init -g cmd/modelwarden/docs.go` to generate docs.
//
// @title           modelwarden API
// @version         1.0
// @description     Model residency, request scheduling and dependency supervision for a local inference host.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
