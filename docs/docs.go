// Package docs holds the OpenAPI description of the export run API, in the
// layout swag init emits. Regenerate with: swag init -g cmd/exporter-api/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/runs": {
            "get": {
                "description": "List all export runs, newest first",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "List export runs",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/model.ExportRun"}}
                    },
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Validate the export request, record a pending run and execute it in the background",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Start an export run",
                "parameters": [
                    {
                        "description": "Export request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/model.ExportRequest"}
                    }
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handler.CreateRunResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}}
                }
            }
        },
        "/runs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get export run",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/model.ExportRun"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}}
                }
            }
        },
        "/runs/{id}/errors": {
            "get": {
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get export run errors",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.RunErrorsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handler.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handler.CreateRunResponse": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "runId": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "handler.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"}
            }
        },
        "handler.RunErrorsResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "errors": {"type": "array", "items": {"$ref": "#/definitions/model.RunError"}},
                "runId": {"type": "string"}
            }
        },
        "model.ExportRequest": {
            "type": "object",
            "properties": {
                "date": {"type": "string"},
                "endDateTime": {"type": "string"},
                "recordIdS3Override": {"type": "string"},
                "redriveCount": {"type": "integer"},
                "startDateTime": {"type": "string"},
                "studyWhitelist": {"type": "array", "items": {"type": "string"}},
                "tableWhitelist": {"type": "array", "items": {"$ref": "#/definitions/model.SchemaKey"}},
                "tag": {"type": "string"}
            }
        },
        "model.ExportRun": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "id": {"type": "string"},
                "request": {"$ref": "#/definitions/model.ExportRequest"},
                "status": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "model.RunError": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "id": {"type": "integer"},
                "message": {"type": "string"},
                "retryable": {"type": "boolean"},
                "runId": {"type": "string"},
                "scope": {"type": "string"},
                "target": {"type": "string"}
            }
        },
        "model.SchemaKey": {
            "type": "object",
            "properties": {
                "revision": {"type": "integer"},
                "schemaId": {"type": "string"},
                "studyId": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Bridge Exporter API",
	Description:      "Start and inspect health data export runs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
