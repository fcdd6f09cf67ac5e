/*
Package openapi 把 OpenAPI 3 文档中的每个 Operation 转换为 router.Tool。

文档可以来自 http(s) URL 或本地文件，JSON 与 YAML 均可。path / query /
header 参数与 application/json 请求体（参数名 body）合并为工具的参数 Schema；
调用时按 Operation 描述拼装 HTTP 请求，非 2xx 响应作为工具失败返回给模型。

工具的 safe / sensitive 分类不来自文档，由配置中的角色分区决定。
*/
package openapi
